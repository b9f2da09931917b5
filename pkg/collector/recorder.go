package collector

import "time"

// Rejection reasons reported to the Recorder.
const (
	ReasonLocked        = "locked"
	ReasonInvalid       = "invalid"
	ReasonViewportWidth = "viewport_width"
	ReasonGroupComplete = "group_complete"
	ReasonStorage       = "storage"
)

// Recorder receives service metrics.
type Recorder interface {
	RecordStored(groupMinWidth int, duration time.Duration)
	RecordRejected(reason string)
	RecordLookup(duration time.Duration)
	RecordCompleteness(completeGroups, totalGroups int)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

func (NoopRecorder) RecordStored(int, time.Duration) {}
func (NoopRecorder) RecordRejected(string)           {}
func (NoopRecorder) RecordLookup(time.Duration)      {}
func (NoopRecorder) RecordCompleteness(int, int)     {}
