// Package audit keeps a trail of commands the relay forwarded to the game server.
// Recording is best effort: callers log failures and move on.
package audit

import (
	"context"
	"errors"
	"time"
)

type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeEmpty      Outcome = "empty_response"
	OutcomeRefused    Outcome = "refused"
	OutcomeAuthFailed Outcome = "auth_failed"
	OutcomeTransport  Outcome = "transport_error"
	OutcomeUnknown    Outcome = "outcome_unknown"
	OutcomeNoCommand  Outcome = "empty_command"
)

type Entry struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	RequesterID string    `json:"requester_id"`
	GroupID     string    `json:"group_id"`
	Command     string    `json:"command"`
	Response    string    `json:"response"`
	Outcome     Outcome   `json:"outcome"`
	Rewritten   bool      `json:"rewritten"`
	CreatedAt   time.Time `json:"created_at"`
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Reader is the query side used by cmd/rconcheck.
type Reader interface {
	// Recent returns up to n entries for a group, newest first.
	Recent(ctx context.Context, groupID string, n int) ([]Entry, error)
	// ByTrace returns the entry logged under traceID, or (nil, nil) if there is none.
	ByTrace(ctx context.Context, traceID string) (*Entry, error)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
