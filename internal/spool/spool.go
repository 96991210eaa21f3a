package spool

import (
	"errors"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
)

// DeliveryStatus is the lifecycle state of a spooled message's delivery
// attempt, persisted as part of DeliveryContext so a crash mid-delivery
// recovers cleanly (spec.md §4.F/§4.H: "on process start ... if a
// DeliveryContext is persisted, restore status/attempts/... from it").
type DeliveryStatus int

const (
	Pending DeliveryStatus = iota
	InProgress
	Completed
	Retry
	Failed
	Expired
)

func (s DeliveryStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Retry:
		return "Retry"
	case Failed:
		return "Failed"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// AttemptOutcome is the result of one delivery attempt to one server.
type AttemptOutcome int

const (
	OutcomeSuccess AttemptOutcome = iota
	OutcomeTempFail
	OutcomePermFail
)

func (o AttemptOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomePermFail:
		return "PermFail"
	default:
		return "TempFail"
	}
}

// Attempt records one delivery attempt, spec.md §3's DeliveryAttempt.
type Attempt struct {
	Timestamp time.Time
	Server    string
	Outcome   AttemptOutcome
	Detail    string
	Duration  time.Duration
}

// DeliveryContext is the persisted per-domain delivery progress for one
// spooled message, restored by Queue.ScanSpool on startup: spec.md §3's
// DeliveryContext, keyed by recipient domain.
type DeliveryContext struct {
	Domain         string
	Status         DeliveryStatus
	AttemptHistory []Attempt
	ServerIndex    int
	QueuedAt       time.Time
	NextRetryAt    time.Time
	LastError      string
}

// Attempts is the number of delivery attempts recorded so far.
func (d *DeliveryContext) Attempts() int { return len(d.AttemptHistory) }

// RecordAttempt appends an attempt and updates LastError for failures.
func (d *DeliveryContext) RecordAttempt(a Attempt) {
	d.AttemptHistory = append(d.AttemptHistory, a)
	if a.Outcome != OutcomeSuccess {
		d.LastError = a.Detail
	}
}

// Context is the full persisted record for one spooled message:
// spec.md §4.F's SpooledContext.
type Context struct {
	Envelope   address.Envelope
	Data       []byte
	HeloID     string
	Extended   bool
	ReceivedAt time.Time

	// Metadata carries session sidechannel facts worth keeping with the
	// message (declared SIZE, remote address, ...).
	Metadata map[string]string

	// Deliveries holds one DeliveryContext per recipient domain. A nil
	// or missing entry means delivery has not started for that domain.
	Deliveries map[string]*DeliveryContext
}

// ErrNotFound is returned by Read/Update/Delete for an id with no
// corresponding committed ".bin" file.
var ErrNotFound = errors.New("spool: message not found")

// Backend is the pluggable backing store spec.md §4.F specifies: File
// for production, Memory for tests. Both expose the same five
// operations.
type Backend interface {
	// Write allocates a new id and atomically persists ctx, returning
	// the id.
	Write(ctx *Context) (ID, error)

	// Read parses and returns the context for id.
	Read(id ID) (*Context, error)

	// Update atomically replaces the persisted context for id with the
	// same write/fsync/rename discipline as Write.
	Update(id ID, ctx *Context) error

	// Delete removes id via the tombstone-then-unlink sequence (File) or
	// direct removal (Memory).
	Delete(id ID) error

	// List returns the ids of all committed (non-tombstoned,
	// well-formed) messages.
	List() ([]ID, error)
}
