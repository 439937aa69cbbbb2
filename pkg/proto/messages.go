package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Wire protocol (protobuf APIDown / APIUp over binary WebSocket frames)

// SupportedMajorVersion is the only protocol major version whose
// version-dependent fields (odometry) this client interprets.
const SupportedMajorVersion uint32 = 1

var (
	ErrInvalidCommand = errors.New("proto: invalid down command")
	ErrDecode         = errors.New("proto: decode failed")
)

// ReportFrequency is the rate the base pushes status at. Values are the
// enum tags of the base's schema.
type ReportFrequency int32

const (
	Rf1000Hz ReportFrequency = 0
	Rf500Hz  ReportFrequency = 1
	Rf250Hz  ReportFrequency = 2
	Rf100Hz  ReportFrequency = 3
	Rf50Hz   ReportFrequency = 4
	Rf10Hz   ReportFrequency = 5
	Rf1Hz    ReportFrequency = 6
)

var frequencyNames = map[ReportFrequency]string{
	Rf1000Hz: "Rf1000Hz",
	Rf500Hz:  "Rf500Hz",
	Rf250Hz:  "Rf250Hz",
	Rf100Hz:  "Rf100Hz",
	Rf50Hz:   "Rf50Hz",
	Rf10Hz:   "Rf10Hz",
	Rf1Hz:    "Rf1Hz",
}

var frequencyHertz = map[ReportFrequency]int{
	Rf1000Hz: 1000,
	Rf500Hz:  500,
	Rf250Hz:  250,
	Rf100Hz:  100,
	Rf50Hz:   50,
	Rf10Hz:   10,
	Rf1Hz:    1,
}

func (f ReportFrequency) String() string {
	if s, ok := frequencyNames[f]; ok {
		return s
	}
	return fmt.Sprintf("ReportFrequency(%d)", int32(f))
}

// Hertz returns the rate in Hz, or 0 for an unknown tag.
func (f ReportFrequency) Hertz() int { return frequencyHertz[f] }

// ParseReportFrequency accepts "50", "50hz" or "Rf50Hz".
func ParseReportFrequency(s string) (ReportFrequency, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "rf")
	v = strings.TrimSuffix(v, "hz")
	for f, hz := range frequencyHertz {
		if fmt.Sprintf("%d", hz) == v {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown report frequency %q", s)
}

// RobotType identifies the kind of device behind the connection.
type RobotType int32

const (
	RobotTypeUnknown RobotType = 0
	RobotTypeBase    RobotType = 1
	RobotTypeArm     RobotType = 2
	RobotTypeLift    RobotType = 3
)

func (r RobotType) String() string {
	switch r {
	case RobotTypeBase:
		return "RtBase"
	case RobotTypeArm:
		return "RtArm"
	case RobotTypeLift:
		return "RtLift"
	case RobotTypeUnknown:
		return "RtUnknown"
	}
	return fmt.Sprintf("RobotType(%d)", int32(r))
}

// XYZSpeed is a planar velocity command: x/y in m/s, z (yaw rate) in rad/s.
type XYZSpeed struct {
	SpeedX float32 `json:"speed_x"`
	SpeedY float32 `json:"speed_y"`
	SpeedZ float32 `json:"speed_z"`
}

// CommandKind names the single active variant of a DownCommand.
type CommandKind int

const (
	KindNone CommandKind = iota
	KindSetReportFrequency
	KindControlInitialize
	KindSimpleMove
)

func (k CommandKind) String() string {
	switch k {
	case KindSetReportFrequency:
		return "set_report_frequency"
	case KindControlInitialize:
		return "api_control_initialize"
	case KindSimpleMove:
		return "simple_move_command"
	}
	return "none"
}

// DownCommand is one outbound APIDown message. Exactly one variant is
// active; the fields are only reachable through the constructors, so two
// variants can never be populated at once.
type DownCommand struct {
	kind       CommandKind
	frequency  ReportFrequency
	initialize bool
	move       XYZSpeed
}

func SetReportFrequency(f ReportFrequency) DownCommand {
	return DownCommand{kind: KindSetReportFrequency, frequency: f}
}

// ControlInitialize claims (true) or releases (false) control of the base.
func ControlInitialize(on bool) DownCommand {
	return DownCommand{kind: KindControlInitialize, initialize: on}
}

func SimpleMove(v XYZSpeed) DownCommand {
	return DownCommand{kind: KindSimpleMove, move: v}
}

func (c DownCommand) Kind() CommandKind { return c.kind }

func (c DownCommand) ReportFrequency() (ReportFrequency, bool) {
	return c.frequency, c.kind == KindSetReportFrequency
}

func (c DownCommand) ControlInitialize() (bool, bool) {
	return c.initialize, c.kind == KindControlInitialize
}

func (c DownCommand) SimpleMove() (XYZSpeed, bool) {
	return c.move, c.kind == KindSimpleMove
}

func (c DownCommand) String() string {
	switch c.kind {
	case KindSetReportFrequency:
		return fmt.Sprintf("set_report_frequency(%s)", c.frequency)
	case KindControlInitialize:
		return fmt.Sprintf("api_control_initialize(%t)", c.initialize)
	case KindSimpleMove:
		return fmt.Sprintf("simple_move_command(x=%g y=%g z=%g)", c.move.SpeedX, c.move.SpeedY, c.move.SpeedZ)
	}
	return "none"
}

// Odometry is the base's self-estimated velocity.
type Odometry struct {
	SpeedX float32
	SpeedY float32
	SpeedZ float32
}

// BaseStatus is the base variant of the APIUp status oneof.
type BaseStatus struct {
	EstimatedOdometry *Odometry
}

// TimeStamp is the base's clock at the time the status was produced.
type TimeStamp struct {
	Seconds     uint64
	Nanoseconds uint32
}

// Millis returns the time stamp in milliseconds.
func (t TimeStamp) Millis() int64 {
	return int64(t.Seconds)*1000 + int64(t.Nanoseconds)/1_000_000
}

// UpStatus is one inbound APIUp message. Nil pointers mean the field was
// absent on the wire, which is not the same as a zero value.
type UpStatus struct {
	RobotType            RobotType
	ProtocolMajorVersion uint32
	ProtocolMinorVersion uint32
	SessionID            uint64
	ReportFrequency      ReportFrequency
	Log                  *string
	TimeStamp            *TimeStamp
	BaseStatus           *BaseStatus
}

// Odometry returns the estimated odometry if the message carries one.
func (s UpStatus) Odometry() (Odometry, bool) {
	if s.BaseStatus == nil || s.BaseStatus.EstimatedOdometry == nil {
		return Odometry{}, false
	}
	return *s.BaseStatus.EstimatedOdometry, true
}
