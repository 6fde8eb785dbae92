package statemachine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrDuplicateEvent is returned by Validate when a state's node list
	// binds the same event more than once.
	ErrDuplicateEvent = errors.New("duplicate event in transition node list")

	// ErrMachineHalted is returned when an event is posted to a machine
	// that has been halted by a missing-transition fault.
	ErrMachineHalted = errors.New("state machine halted")
)

// Node binds one event to an action and a successor state within a single
// state's entry list.
type Node struct {
	// On is the event this node matches.
	On Event

	// Action runs before the state advances. It may post further events
	// to the same machine; those are enqueued, never dispatched
	// recursively.
	Action func(arg any)

	// Next is the state the machine moves to after Action returns.
	Next State
}

// TransTable maps each state to its ordered list of transition nodes. An
// event with no node in the current state's list is a contract violation:
// the machine logs the fault and halts rather than silently mutating state.
type TransTable map[State][]Node

// Validate checks the table for duplicate event bindings within a single
// state. Tables are static per machine type, so callers typically validate
// once at construction.
func (t TransTable) Validate() error {
	for st, nodes := range t {
		seen := make(map[Event]struct{}, len(nodes))
		for _, node := range nodes {
			if _, ok := seen[node.On]; ok {
				return fmt.Errorf("%w: state %s event %s",
					ErrDuplicateEvent, StateName(st),
					EventName(node.On))
			}
			seen[node.On] = struct{}{}
		}
	}

	return nil
}

// Config packages the knobs for constructing a Machine.
type Config struct {
	// Name tags the machine in log output, e.g. "ctrl(acct=3)".
	Name string

	// Table is the transition table driving dispatch.
	Table TransTable

	// Initial seeds the starting state. When None the machine begins in
	// StateStart. Controllers restored from persisted protocol state use
	// this to resume where they left off.
	Initial fn.Option[State]

	// StateChanged, if non-nil, runs after every transition with the old
	// and new state. Owners use it to persist the new state value.
	StateChanged func(old, new State)

	// EventName and StateName override the diagnostic name functions for
	// subsystem-local values. When nil the base names are used.
	EventName func(Event) string
	StateName func(State) string
}

// posted is one queued event plus its opaque argument.
type posted struct {
	ev  Event
	arg any
}

// Machine is a table-driven finite state machine. Events may be posted from
// any goroutine; they are processed strictly in post order with exactly one
// dispatch in flight at a time. An action that posts to its own machine
// enqueues the event rather than recursing, preserving FIFO side-effect
// order.
type Machine struct {
	cfg Config

	mu       sync.Mutex
	state    State
	queue    []posted
	draining bool
	halted   bool
}

// New constructs a Machine from the given config. The transition table is
// validated; a duplicate event binding is a programming error and is
// returned to the caller instead of being deferred to dispatch time.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}

	return &Machine{
		cfg:   cfg,
		state: cfg.Initial.UnwrapOr(StateStart),
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Halted reports whether the machine hit a missing-transition fault and
// stopped processing events.
func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.halted
}

// Start posts EvLaunch. It is the conventional way to kick a machine out of
// StateStart, or to re-issue the current step of a wait state.
func (m *Machine) Start() {
	m.PostEvent(EvLaunch, nil)
}

// PostEvent enqueues an event with an optional opaque argument. If no
// dispatch is in progress the queue is drained on the calling goroutine;
// otherwise the active drainer picks the event up in FIFO order.
func (m *Machine) PostEvent(ev Event, arg any) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		log.Warnf("%s: dropping %s, machine halted",
			m.cfg.Name, m.eventName(ev))

		return
	}

	m.queue = append(m.queue, posted{ev: ev, arg: arg})
	if m.draining {
		m.mu.Unlock()
		return
	}

	m.draining = true
	m.mu.Unlock()

	m.drain()
}

// ProcEvent enqueues an event and drains the queue synchronously. When no
// dispatch is in progress the transition has completed by the time ProcEvent
// returns, which is what driving code that must observe the immediate result
// (tests, direct owner-triggered transitions) relies on. A reentrant call
// from an action enqueues like PostEvent does.
func (m *Machine) ProcEvent(ev Event, arg any) {
	m.PostEvent(ev, arg)
}

// drain pops and dispatches queued events one at a time until the queue is
// empty. Only one goroutine drains at a time; the draining flag hands the
// role off atomically under the mutex.
func (m *Machine) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.halted {
			m.queue = nil
			m.draining = false
			m.mu.Unlock()

			return
		}

		next := m.queue[0]
		m.queue = m.queue[1:]
		cur := m.state
		m.mu.Unlock()

		m.dispatch(cur, next)
	}
}

// dispatch looks up the (state, event) pair in the table and, if found, runs
// the bound action and advances the state. A missing transition halts the
// machine: silently dropping the event could corrupt the conversation, and
// crashing takes down every other account's machine, so we log loudly and
// stop this machine only.
func (m *Machine) dispatch(cur State, p posted) {
	node, ok := m.lookup(cur, p.ev)
	if !ok {
		log.Errorf("%s: no transition for event %s in state %s, "+
			"halting machine", m.cfg.Name, m.eventName(p.ev),
			m.stateName(cur))

		m.mu.Lock()
		m.halted = true
		m.mu.Unlock()

		return
	}

	log.Debugf("%s: %s on %s -> %s", m.cfg.Name, m.stateName(cur),
		m.eventName(p.ev), m.stateName(node.Next))

	if node.Action != nil {
		node.Action(p.arg)
	}

	m.mu.Lock()
	m.state = node.Next
	m.mu.Unlock()

	if m.cfg.StateChanged != nil && cur != node.Next {
		m.cfg.StateChanged(cur, node.Next)
	}
}

// lookup scans the current state's node list for the first node matching the
// event.
func (m *Machine) lookup(cur State, ev Event) (Node, bool) {
	for _, node := range m.cfg.Table[cur] {
		if node.On == ev {
			return node, true
		}
	}

	return Node{}, false
}

// eventName resolves an event to its diagnostic name, preferring the
// machine-local override.
func (m *Machine) eventName(ev Event) string {
	if m.cfg.EventName != nil {
		if name := m.cfg.EventName(ev); name != "" {
			return name
		}
	}

	return EventName(ev)
}

// stateName resolves a state to its diagnostic name, preferring the
// machine-local override.
func (m *Machine) stateName(st State) string {
	if m.cfg.StateName != nil {
		if name := m.cfg.StateName(st); name != "" {
			return name
		}
	}

	return StateName(st)
}
