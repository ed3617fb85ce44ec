package audit

import "time"

const (
	OutcomeLoaded   = "loaded"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Record is one load attempt.
type Record struct {
	ID       string
	Language string
	Origin   string
	Format   string
	Outcome  string
	// Kind is the load error kind or domain code for rejected/failed attempts.
	Kind    string
	Message string
	Version int
	Digest  string
	At      time.Time
}
