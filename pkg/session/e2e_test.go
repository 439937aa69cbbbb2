package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hexbase/control/pkg/basesim"
	"hexbase/control/pkg/config"
	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/transport"
)

func startSim(t *testing.T, cfg config.SimConfig) (*basesim.Base, string) {
	t.Helper()
	base := basesim.New(cfg)
	srv := httptest.NewServer(base)
	t.Cleanup(srv.Close)
	return base, strings.TrimPrefix(srv.URL, "http://")
}

func dial(t *testing.T, addr string) transport.Transport {
	t.Helper()
	tr, err := transport.Dial(context.Background(), addr, transport.DialOptions{Timeout: time.Second})
	require.NoError(t, err)
	return tr
}

// waitClosed waits for the simulator to see the client's close.
func waitClosed(t *testing.T, base *basesim.Base) basesim.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		conns := base.Conns()
		return len(conns) == 1 && conns[0].Closed
	}, 2*time.Second, 5*time.Millisecond)
	return base.Conns()[0]
}

func TestEndToEndScenario(t *testing.T) {
	base, addr := startSim(t, config.SimConfig{ProtocolMajorVersion: 1, RobotType: "base"})
	rec := &recorder{}
	s := New(dial(t, addr), Options{ReportFrequency: proto.Rf50Hz, Observer: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := start(t, ctx, s)
	require.Eventually(t, func() bool {
		_, _, odometry := rec.counts()
		return s.Sent() >= 10 && odometry >= 3
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done).err)

	conn := waitClosed(t, base)
	cmds := conn.Commands
	require.GreaterOrEqual(t, len(cmds), 13)
	f, ok := cmds[0].ReportFrequency()
	require.True(t, ok)
	assert.Equal(t, proto.Rf50Hz, f)
	on, ok := cmds[1].ControlInitialize()
	require.True(t, ok)
	assert.True(t, on)
	for _, c := range cmds[2 : len(cmds)-1] {
		speed, ok := c.SimpleMove()
		require.True(t, ok)
		assert.Equal(t, float32(0.1), speed.SpeedZ)
	}
	off, ok := cmds[len(cmds)-1].ControlInitialize()
	require.True(t, ok)
	assert.False(t, off)
	assert.Zero(t, conn.Violations)
	assert.False(t, conn.Protected)

	require.NotEmpty(t, rec.identities)
	assert.Equal(t, proto.RobotTypeBase, rec.identities[0].RobotType)
	_, mismatches, _ := rec.counts()
	assert.Zero(t, mismatches)
	last := rec.odometry[len(rec.odometry)-1]
	assert.Equal(t, float32(0.1), last.Odometry.SpeedZ)
}

func TestEndToEndTimeout(t *testing.T) {
	base, addr := startSim(t, config.SimConfig{ProtocolMajorVersion: 1})
	s := New(dial(t, addr), Options{ReportFrequency: proto.Rf50Hz, Timeout: 200 * time.Millisecond, Observer: &recorder{}})

	r := wait(t, start(t, context.Background(), s))
	require.NoError(t, r.err)
	assert.Equal(t, CauseTimeout, s.Cause())

	conn := waitClosed(t, base)
	off, ok := conn.Commands[len(conn.Commands)-1].ControlInitialize()
	require.True(t, ok)
	assert.False(t, off)
}

func TestEndToEndVersionMismatch(t *testing.T) {
	_, addr := startSim(t, config.SimConfig{ProtocolMajorVersion: 2, Log: "firmware too new"})
	rec := &recorder{}
	s := New(dial(t, addr), Options{ReportFrequency: proto.Rf100Hz, Observer: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := start(t, ctx, s)
	require.Eventually(t, func() bool { return s.ingestor.Received() >= 20 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done).err)

	logs, mismatches, odometry := rec.counts()
	assert.Equal(t, 1, mismatches)
	assert.Zero(t, odometry)
	assert.GreaterOrEqual(t, logs, 20)
	assert.Equal(t, "firmware too new", rec.logs[0])
}
