package health

import "time"

// Sample is one provider call outcome as persisted for restart durability.
type Sample struct {
	Provider     string
	At           time.Time
	Success      bool
	LatencyMs    int64
	ErrorKind    string
	ErrorMessage string
}
