package session

import (
	"log"

	"hexbase/control/pkg/proto"
)

// Telemetry is one odometry sample. BaseTime is nil when the base did not
// stamp the message; LocalMillis is the session clock at receipt.
type Telemetry struct {
	Odometry    proto.Odometry
	BaseTime    *proto.TimeStamp
	LocalMillis int64
}

// Observer receives everything a session surfaces. Calls come from the
// ingestor goroutine and from Run, never concurrently for the same method.
type Observer interface {
	StateChanged(from, to State)
	// Identity is reported once, for the first status of the session.
	Identity(st proto.UpStatus)
	// BaseLog is a log line from the base; it usually means trouble.
	BaseLog(msg string)
	// VersionMismatch is reported at most once per session.
	VersionMismatch(got, want uint32)
	Odometry(t Telemetry)
}

// LogObserver prints with the standard logger.
type LogObserver struct {
	// Debug also prints state transitions.
	Debug bool
}

func (o LogObserver) StateChanged(from, to State) {
	if o.Debug {
		log.Printf("[SESSION] %s -> %s", from, to)
	}
}

func (LogObserver) Identity(st proto.UpStatus) {
	log.Printf("[BASE] robot=%s protocol=%d.%d session=%d report_frequency=%s",
		st.RobotType, st.ProtocolMajorVersion, st.ProtocolMinorVersion, st.SessionID, st.ReportFrequency)
}

func (LogObserver) BaseLog(msg string) {
	log.Printf("[WARN] log from base: %q", msg)
}

func (LogObserver) VersionMismatch(got, want uint32) {
	log.Printf("[WARN] protocol major version is not %d, current version: %d. This might cause compatibility issues. Consider upgrading the base firmware.", want, got)
}

func (LogObserver) Odometry(t Telemetry) {
	if t.BaseTime != nil {
		log.Printf("[ODOM] spd=(%g, %g, %g) base_ms=%d local_ms=%d",
			t.Odometry.SpeedX, t.Odometry.SpeedY, t.Odometry.SpeedZ, t.BaseTime.Millis(), t.LocalMillis)
		return
	}
	log.Printf("[ODOM] spd=(%g, %g, %g)", t.Odometry.SpeedX, t.Odometry.SpeedY, t.Odometry.SpeedZ)
}
