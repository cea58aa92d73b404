// Package statemachine drives named-state workflows: one handler per
// non-terminal state, each returning the next state or an error.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
)

// State names one step of a workflow.
type State string

// Handler runs one state and returns the next. The shared context value
// is threaded through every handler of a run.
type Handler[C any] func(ctx context.Context, sc C) (State, error)

// maxTransitions guards against handler cycles.
const maxTransitions = 100

// Machine is a reusable definition of states and handlers. Runs share
// the definition; all mutable state lives in the threaded context value.
type Machine[C any] struct {
	name     string
	initial  State
	terminal State
	handlers map[State]Handler[C]
}

// New creates a machine that starts at initial and stops when a handler
// returns terminal.
func New[C any](name string, initial, terminal State) *Machine[C] {
	return &Machine[C]{
		name:     name,
		initial:  initial,
		terminal: terminal,
		handlers: make(map[State]Handler[C]),
	}
}

// On registers the handler for a state.
func (m *Machine[C]) On(state State, handler Handler[C]) *Machine[C] {
	m.handlers[state] = handler
	return m
}

// Run drives the machine to its terminal state. It returns the first
// handler error, a missing-handler error, or nil on completion.
func (m *Machine[C]) Run(ctx context.Context, sc C) error {
	state := m.initial
	for transitions := 0; ; transitions++ {
		if state == m.terminal {
			return nil
		}
		if transitions >= maxTransitions {
			return fmt.Errorf("%s: aborted after %d transitions, last state %s", m.name, transitions, state)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: cancelled in state %s: %w", m.name, state, err)
		}

		handler, ok := m.handlers[state]
		if !ok {
			return fmt.Errorf("%s: no handler for state %s", m.name, state)
		}
		slog.Debug("State machine transition", "machine", m.name, "state", state)
		next, err := handler(ctx, sc)
		if err != nil {
			return fmt.Errorf("%s: state %s failed: %w", m.name, state, err)
		}
		state = next
	}
}

// Result is delivered by Spawn when a run finishes.
type Result struct {
	Err error
}

// Spawn runs the machine on its own goroutine and returns a channel that
// yields the single result.
func (m *Machine[C]) Spawn(ctx context.Context, sc C) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		done <- Result{Err: m.Run(ctx, sc)}
	}()
	return done
}
