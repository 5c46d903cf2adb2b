// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dispatch

import (
	"fmt"
	"time"

	"medcp/cli/internal/backend"
	medcperrors "medcp/cli/internal/errors"

	"github.com/google/uuid"
)

// State is the lifecycle state of one invocation.
type State string

const (
	Received  State = "received"
	Validated State = "validated"
	Built     State = "built"
	Executing State = "executing"
	Completed State = "completed"
	TimedOut  State = "timed_out"
	Failed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == TimedOut || s == Failed
}

var transitions = map[State][]State{
	Received:  {Validated, Failed},
	Validated: {Built, Failed},
	Built:     {Executing, Failed},
	Executing: {Completed, TimedOut, Failed},
}

// Invocation records the progress of one tool call.
type Invocation struct {
	ID      string
	Tool    string
	Backend backend.Kind
	State   State
	Started time.Time
	Ended   time.Time
	// History lists every state entered, starting with Received.
	History []State
}

func newInvocation(tool string) *Invocation {
	return &Invocation{
		ID:      uuid.NewString(),
		Tool:    tool,
		State:   Received,
		Started: time.Now(),
		History: []State{Received},
	}
}

// advance moves the invocation to next. An illegal transition is an engine bug.
func (inv *Invocation) advance(next State) error {
	for _, allowed := range transitions[inv.State] {
		if allowed == next {
			inv.State = next
			inv.History = append(inv.History, next)
			if next.Terminal() {
				inv.Ended = time.Now()
			}
			return nil
		}
	}
	return medcperrors.New(medcperrors.Internal, fmt.Sprintf("invocation %s: illegal transition %s -> %s", inv.ID, inv.State, next))
}

// finish moves the invocation to the terminal state matching err.
func (inv *Invocation) finish(err error) {
	if inv.State.Terminal() {
		return
	}
	next := Completed
	switch {
	case err == nil:
	case medcperrors.IsKind(err, medcperrors.Timeout) && inv.State == Executing:
		next = TimedOut
	default:
		next = Failed
	}
	if inv.advance(next) != nil {
		inv.State = Failed
		inv.History = append(inv.History, Failed)
		inv.Ended = time.Now()
	}
}

// Duration is the wall time of a finished invocation.
func (inv *Invocation) Duration() time.Duration {
	if inv.Ended.IsZero() {
		return time.Since(inv.Started)
	}
	return inv.Ended.Sub(inv.Started)
}
