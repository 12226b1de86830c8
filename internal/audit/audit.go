// Package audit records provisioning and API actions to a buffered trail.
// Events are staged in a Redis list and flushed in the background to an HTTP
// sink, so a slow or absent collector never blocks a reconcile run.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded per event.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record. Reason carries the provision error reason on
// failures; it never carries credentials.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Tenant  string    `json:"tenant"`
	Action  string    `json:"action"`
	Step    string    `json:"step,omitempty"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Actor   string    `json:"actor,omitempty"`
}

// Recorder accepts events for asynchronous delivery.
type Recorder interface {
	Record(e Event)
	Run()
	Stop()
}

// fill stamps identity and time on events that lack them.
func fill(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Nop is a Recorder that drops everything; used when no Redis is configured.
type Nop struct{}

func (Nop) Record(Event) {}
func (Nop) Run()         {}
func (Nop) Stop()        {}
