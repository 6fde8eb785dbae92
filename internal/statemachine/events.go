package statemachine

import "strconv"

// Event identifies a single input to a state machine. The base events below
// are shared by every machine; subsystems extend the space with their own
// values starting at EvLast so the combined base+local space stays unique.
type Event int

const (
	// EvLaunch kicks a machine from its current state. Posting it again
	// while already in a wait state re-issues the same step without
	// advancing position.
	EvLaunch Event = iota

	// EvSuccess advances the machine to the next phase.
	EvSuccess

	// EvTempFail reports a transient failure (network hiccup, server
	// busy). The owning machine typically retries the same step after a
	// backoff.
	EvTempFail

	// EvHardFail reports a failure unlikely to self-resolve (bad
	// credentials, malformed content).
	EvHardFail

	// EvLast is the sentinel marking the end of the base event space.
	// Subsystem-local events must start at this value.
	EvLast
)

// EvUnhandled is the sentinel returned by status-to-event mappings when a
// status code has no entry. It is distinct from every real event and must
// never be posted to a machine.
const EvUnhandled Event = -1

// baseEventNames maps the base events to diagnostic names.
var baseEventNames = map[Event]string{
	EvLaunch:   "Launch",
	EvSuccess:  "Success",
	EvTempFail: "TempFail",
	EvHardFail: "HardFail",
}

// EventName returns the diagnostic name for a base event, falling back to a
// numeric form for subsystem-local values.
func EventName(ev Event) string {
	if name, ok := baseEventNames[ev]; ok {
		return name
	}

	return "Event(" + strconv.Itoa(int(ev)) + ")"
}

// State identifies a position in a machine's transition table. Two values
// are reserved: StateStart is where every machine begins and StateStop is
// terminal.
type State int

const (
	// StateStart is the initial state of every machine.
	StateStart State = iota

	// StateStop is the terminal state. A machine in StateStop processes
	// no further events.
	StateStop

	// StateLast is the sentinel marking the end of the base state space.
	// Subsystem-local states must start at this value.
	StateLast
)

// baseStateNames maps the base states to diagnostic names.
var baseStateNames = map[State]string{
	StateStart: "Start",
	StateStop:  "Stop",
}

// StateName returns the diagnostic name for a base state, falling back to a
// numeric form for subsystem-local values.
func StateName(st State) string {
	if name, ok := baseStateNames[st]; ok {
		return name
	}

	return "State(" + strconv.Itoa(int(st)) + ")"
}
