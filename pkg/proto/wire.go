package proto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the base's public API schema, limited to what the
// client reads or writes. Unknown fields are skipped on decode.
const (
	// APIDown, oneof down
	fieldDownBaseCommand        protowire.Number = 1
	fieldDownSetReportFrequency protowire.Number = 5

	// BaseCommand, oneof command
	fieldBaseCmdControlInitialize protowire.Number = 1
	fieldBaseCmdSimpleMove        protowire.Number = 2

	// SimpleBaseMoveCommand, oneof command
	fieldSimpleMoveXYZSpeed protowire.Number = 1

	// XyzSpeed / EstimatedOdometry
	fieldSpeedX protowire.Number = 1
	fieldSpeedY protowire.Number = 2
	fieldSpeedZ protowire.Number = 3

	// APIUp
	fieldUpRobotType            protowire.Number = 1
	fieldUpProtocolMajorVersion protowire.Number = 2
	fieldUpProtocolMinorVersion protowire.Number = 3
	fieldUpSessionID            protowire.Number = 4
	fieldUpReportFrequency      protowire.Number = 5
	fieldUpLog                  protowire.Number = 6
	fieldUpTimeStamp            protowire.Number = 7
	fieldUpBaseStatus           protowire.Number = 10

	// BaseStatus
	fieldBaseStatusOdometry protowire.Number = 1

	// TimeStamp
	fieldTimeStampSeconds protowire.Number = 1
	fieldTimeStampNanos   protowire.Number = 2
)

// Marshal encodes the command as an APIDown message.
func (c DownCommand) Marshal() ([]byte, error) {
	var b []byte
	switch c.kind {
	case KindSetReportFrequency:
		b = protowire.AppendTag(b, fieldDownSetReportFrequency, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(c.frequency)))
	case KindControlInitialize:
		// oneof members carry explicit presence, so false is still written
		var inner []byte
		inner = protowire.AppendTag(inner, fieldBaseCmdControlInitialize, protowire.VarintType)
		inner = protowire.AppendVarint(inner, protowire.EncodeBool(c.initialize))
		b = protowire.AppendTag(b, fieldDownBaseCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindSimpleMove:
		var speed []byte
		speed = appendFloat(speed, fieldSpeedX, c.move.SpeedX)
		speed = appendFloat(speed, fieldSpeedY, c.move.SpeedY)
		speed = appendFloat(speed, fieldSpeedZ, c.move.SpeedZ)
		var move []byte
		move = protowire.AppendTag(move, fieldSimpleMoveXYZSpeed, protowire.BytesType)
		move = protowire.AppendBytes(move, speed)
		var inner []byte
		inner = protowire.AppendTag(inner, fieldBaseCmdSimpleMove, protowire.BytesType)
		inner = protowire.AppendBytes(inner, move)
		b = protowire.AppendTag(b, fieldDownBaseCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	default:
		return nil, fmt.Errorf("%w: no variant set", ErrInvalidCommand)
	}
	return b, nil
}

// appendFloat skips zero values, matching proto3 implicit presence.
func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 && !math.Signbit(float64(v)) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// UnmarshalDownCommand decodes an APIDown message. A message that sets
// more than one variant is rejected.
func UnmarshalDownCommand(b []byte) (DownCommand, error) {
	var cmd DownCommand
	set := func(next DownCommand) error {
		if cmd.kind != KindNone {
			return fmt.Errorf("%w: both %s and %s set", ErrDecode, cmd.kind, next.kind)
		}
		cmd = next
		return nil
	}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldDownSetReportFrequency:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			return n, set(SetReportFrequency(ReportFrequency(int32(v))))
		case fieldDownBaseCommand:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			next, err := unmarshalBaseCommand(inner)
			if err != nil {
				return 0, err
			}
			return n, set(next)
		}
		return 0, nil
	})
	if err != nil {
		return DownCommand{}, err
	}
	if cmd.kind == KindNone {
		return DownCommand{}, fmt.Errorf("%w: no variant set", ErrDecode)
	}
	return cmd, nil
}

func unmarshalBaseCommand(b []byte) (DownCommand, error) {
	var cmd DownCommand
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if cmd.kind != KindNone && (num == fieldBaseCmdControlInitialize || num == fieldBaseCmdSimpleMove) {
			return 0, fmt.Errorf("%w: base command sets more than one variant", ErrDecode)
		}
		switch num {
		case fieldBaseCmdControlInitialize:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			cmd = ControlInitialize(protowire.DecodeBool(v))
			return n, nil
		case fieldBaseCmdSimpleMove:
			move, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var speed XYZSpeed
			err = walk(move, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != fieldSimpleMoveXYZSpeed {
					return 0, nil
				}
				raw, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				speed, err = unmarshalSpeed(raw)
				return n, err
			})
			if err != nil {
				return 0, err
			}
			cmd = SimpleMove(speed)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return DownCommand{}, err
	}
	if cmd.kind == KindNone {
		return DownCommand{}, fmt.Errorf("%w: empty base command", ErrDecode)
	}
	return cmd, nil
}

func unmarshalSpeed(b []byte) (XYZSpeed, error) {
	var s XYZSpeed
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *float32
		switch num {
		case fieldSpeedX:
			dst = &s.SpeedX
		case fieldSpeedY:
			dst = &s.SpeedY
		case fieldSpeedZ:
			dst = &s.SpeedZ
		default:
			return 0, nil
		}
		v, n, err := consumeFloat(typ, b)
		if err != nil {
			return 0, err
		}
		*dst = v
		return n, nil
	})
	return s, err
}

// Marshal encodes the status as an APIUp message.
func (s UpStatus) Marshal() []byte {
	var b []byte
	b = appendUvarint(b, fieldUpRobotType, uint64(int64(s.RobotType)))
	b = appendUvarint(b, fieldUpProtocolMajorVersion, uint64(s.ProtocolMajorVersion))
	b = appendUvarint(b, fieldUpProtocolMinorVersion, uint64(s.ProtocolMinorVersion))
	b = appendUvarint(b, fieldUpSessionID, s.SessionID)
	b = appendUvarint(b, fieldUpReportFrequency, uint64(int64(s.ReportFrequency)))
	if s.Log != nil {
		b = protowire.AppendTag(b, fieldUpLog, protowire.BytesType)
		b = protowire.AppendString(b, *s.Log)
	}
	if s.TimeStamp != nil {
		var ts []byte
		ts = appendUvarint(ts, fieldTimeStampSeconds, s.TimeStamp.Seconds)
		ts = appendUvarint(ts, fieldTimeStampNanos, uint64(s.TimeStamp.Nanoseconds))
		b = protowire.AppendTag(b, fieldUpTimeStamp, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	if s.BaseStatus != nil {
		var bs []byte
		if o := s.BaseStatus.EstimatedOdometry; o != nil {
			var odo []byte
			odo = appendFloat(odo, fieldSpeedX, o.SpeedX)
			odo = appendFloat(odo, fieldSpeedY, o.SpeedY)
			odo = appendFloat(odo, fieldSpeedZ, o.SpeedZ)
			bs = protowire.AppendTag(bs, fieldBaseStatusOdometry, protowire.BytesType)
			bs = protowire.AppendBytes(bs, odo)
		}
		b = protowire.AppendTag(b, fieldUpBaseStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, bs)
	}
	return b
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalUpStatus decodes an APIUp message, keeping field presence.
func UnmarshalUpStatus(b []byte) (UpStatus, error) {
	var s UpStatus
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldUpRobotType, fieldUpProtocolMajorVersion, fieldUpProtocolMinorVersion,
			fieldUpSessionID, fieldUpReportFrequency:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldUpRobotType:
				s.RobotType = RobotType(int32(v))
			case fieldUpProtocolMajorVersion:
				s.ProtocolMajorVersion = uint32(v)
			case fieldUpProtocolMinorVersion:
				s.ProtocolMinorVersion = uint32(v)
			case fieldUpSessionID:
				s.SessionID = v
			case fieldUpReportFrequency:
				s.ReportFrequency = ReportFrequency(int32(v))
			}
			return n, nil
		case fieldUpLog:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			msg := string(raw)
			s.Log = &msg
			return n, nil
		case fieldUpTimeStamp:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ts, err := unmarshalTimeStamp(raw)
			if err != nil {
				return 0, err
			}
			s.TimeStamp = &ts
			return n, nil
		case fieldUpBaseStatus:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			bs, err := unmarshalBaseStatus(raw)
			if err != nil {
				return 0, err
			}
			s.BaseStatus = &bs
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return UpStatus{}, err
	}
	return s, nil
}

func unmarshalTimeStamp(b []byte) (TimeStamp, error) {
	var ts TimeStamp
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTimeStampSeconds:
			v, n, err := consumeVarint(typ, b)
			ts.Seconds = v
			return n, err
		case fieldTimeStampNanos:
			v, n, err := consumeVarint(typ, b)
			ts.Nanoseconds = uint32(v)
			return n, err
		}
		return 0, nil
	})
	return ts, err
}

func unmarshalBaseStatus(b []byte) (BaseStatus, error) {
	var bs BaseStatus
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldBaseStatusOdometry {
			return 0, nil
		}
		raw, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		speed, err := unmarshalSpeed(raw)
		if err != nil {
			return 0, err
		}
		bs.EstimatedOdometry = &Odometry{SpeedX: speed.SpeedX, SpeedY: speed.SpeedY, SpeedZ: speed.SpeedZ}
		return n, nil
	})
	return bs, err
}

// walk calls fn for each field in b. fn returns the number of value bytes
// it consumed, or 0 to have the field skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return wireErr(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func wireErr(n int) error {
	return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
}

func wrongType(typ, want protowire.Type) error {
	return fmt.Errorf("%w: wire type %d, want %d", ErrDecode, typ, want)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(typ, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, wireErr(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(typ, protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, wireErr(n)
	}
	return v, n, nil
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, wrongType(typ, protowire.Fixed32Type)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, wireErr(n)
	}
	return math.Float32frombits(v), n, nil
}
