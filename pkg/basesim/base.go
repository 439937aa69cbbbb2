// Package basesim plays the robot base's side of the control protocol over
// WebSocket. It exists for local development and end-to-end tests.
package basesim

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hexbase/control/pkg/config"
	"hexbase/control/pkg/logging"
	"hexbase/control/pkg/proto"
)

// ProtectTimeout is how long the base tolerates silence from a client that
// holds control before it enters the protected state.
const ProtectTimeout = 500 * time.Millisecond

// Conn is what the simulator saw on one client connection.
type Conn struct {
	ID       uint64
	Commands []proto.DownCommand
	// Violations counts move commands received without control.
	Violations int
	Protected  bool
	Closed     bool
}

type connState struct {
	mu  sync.Mutex
	rec Conn

	initialized bool
	speed       proto.XYZSpeed
	lastCommand time.Time
}

// Base is the simulated base.
type Base struct {
	cfgMu sync.RWMutex
	cfg   config.SimConfig
	start time.Time

	nextID atomic.Uint64
	mu     sync.RWMutex
	conns  map[uint64]*connState
}

func New(cfg config.SimConfig) *Base {
	return &Base{cfg: cfg, start: time.Now(), conns: map[uint64]*connState{}}
}

// Reconfigure swaps the identity, version and log reported from the next
// status message on. Open connections keep their report frequency.
func (b *Base) Reconfigure(cfg config.SimConfig) {
	b.cfgMu.Lock()
	b.cfg = cfg
	b.cfgMu.Unlock()
}

func (b *Base) config() config.SimConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

// Handler serves the WebSocket endpoint at / and a JSON view of the
// connections at /api/conns.
func (b *Base) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", b)
	mux.HandleFunc("/api/conns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		type connView struct {
			ID         uint64   `json:"id"`
			Commands   []string `json:"commands"`
			Violations int      `json:"violations"`
			Protected  bool     `json:"protected"`
			Closed     bool     `json:"closed"`
		}
		var out []connView
		for _, c := range b.Conns() {
			v := connView{ID: c.ID, Violations: c.Violations, Protected: c.Protected, Closed: c.Closed}
			for _, cmd := range c.Commands {
				v.Commands = append(v.Commands, cmd.String())
			}
			out = append(out, v)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Conns returns a snapshot of every connection seen, in connection order.
func (b *Base) Conns() []Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Conn, 0, len(b.conns))
	for id := uint64(1); id <= b.nextID.Load(); id++ {
		c, ok := b.conns[id]
		if !ok {
			continue
		}
		c.mu.Lock()
		snap := c.rec
		snap.Commands = append([]proto.DownCommand(nil), c.rec.Commands...)
		c.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func (b *Base) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SIM] upgrade: %v", err)
		return
	}
	b.serveConn(ws)
}

func (b *Base) serveConn(ws *websocket.Conn) {
	id := b.nextID.Add(1)
	cs := &connState{rec: Conn{ID: id}}
	b.mu.Lock()
	b.conns[id] = cs
	b.mu.Unlock()
	if logging.IsDebug() {
		log.Printf("[SIM] session %d from %s", id, ws.RemoteAddr())
	}

	// the base reports at 1000Hz until told otherwise
	freq := make(chan proto.ReportFrequency, 1)
	freq <- proto.Rf1000Hz
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.pushStatus(ws, cs, freq, done)
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			cs.mu.Lock()
			cs.rec.Closed = true
			cs.mu.Unlock()
			close(done)
			<-writerDone
			_ = ws.Close()
			if logging.IsDebug() {
				log.Printf("[SIM] session %d closed: %v", id, err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		cmd, err := proto.UnmarshalDownCommand(data)
		if err != nil {
			log.Printf("[SIM] session %d: %v", id, err)
			continue
		}
		cs.apply(cmd)
		if f, ok := cmd.ReportFrequency(); ok {
			// replace any rate the writer has not picked up yet
			select {
			case <-freq:
			default:
			}
			freq <- f
		}
	}
}

func (cs *connState) apply(cmd proto.DownCommand) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.rec.Commands = append(cs.rec.Commands, cmd)
	cs.lastCommand = time.Now()
	switch cmd.Kind() {
	case proto.KindControlInitialize:
		on, _ := cmd.ControlInitialize()
		cs.initialized = on
		cs.rec.Protected = false
		if !on {
			cs.speed = proto.XYZSpeed{}
		}
	case proto.KindSimpleMove:
		if !cs.initialized {
			cs.rec.Violations++
			log.Printf("[SIM] session %d: move command before control initialize", cs.rec.ID)
			return
		}
		if cs.rec.Protected {
			return
		}
		cs.speed, _ = cmd.SimpleMove()
	}
}

// tick advances the protection timer and returns the current odometry.
func (cs *connState) tick(now time.Time) (proto.Odometry, uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.initialized && !cs.rec.Protected && now.Sub(cs.lastCommand) > ProtectTimeout {
		cs.rec.Protected = true
		cs.speed = proto.XYZSpeed{}
		log.Printf("[SIM] session %d: no command for %s, entering protected state", cs.rec.ID, ProtectTimeout)
	}
	return proto.Odometry{SpeedX: cs.speed.SpeedX, SpeedY: cs.speed.SpeedY, SpeedZ: cs.speed.SpeedZ}, cs.rec.ID
}

// pushStatus is the only writer on ws.
func (b *Base) pushStatus(ws *websocket.Conn, cs *connState, freq <-chan proto.ReportFrequency, done <-chan struct{}) {
	current := <-freq
	ticker := time.NewTicker(interval(current))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case current = <-freq:
			ticker.Reset(interval(current))
			continue
		case now := <-ticker.C:
			odo, id := cs.tick(now)
			st := b.status(id, current, odo, now)
			_ = ws.SetWriteDeadline(now.Add(time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, st.Marshal()); err != nil {
				return
			}
		}
	}
}

func (b *Base) status(id uint64, f proto.ReportFrequency, odo proto.Odometry, now time.Time) proto.UpStatus {
	cfg := b.config()
	since := now.Sub(b.start)
	st := proto.UpStatus{
		RobotType:            robotType(cfg.RobotType),
		ProtocolMajorVersion: cfg.ProtocolMajorVersion,
		ProtocolMinorVersion: cfg.ProtocolMinorVersion,
		SessionID:            id,
		ReportFrequency:      f,
		TimeStamp: &proto.TimeStamp{
			Seconds:     uint64(since / time.Second),
			Nanoseconds: uint32(since % time.Second),
		},
		BaseStatus: &proto.BaseStatus{EstimatedOdometry: &odo},
	}
	if cfg.Log != "" {
		msg := cfg.Log
		st.Log = &msg
	}
	return st
}

func interval(f proto.ReportFrequency) time.Duration {
	hz := f.Hertz()
	if hz <= 0 {
		hz = 1
	}
	return time.Second / time.Duration(hz)
}

func robotType(s string) proto.RobotType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "":
		return proto.RobotTypeBase
	case "arm":
		return proto.RobotTypeArm
	case "lift":
		return proto.RobotTypeLift
	}
	return proto.RobotTypeUnknown
}
