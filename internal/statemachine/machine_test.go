package statemachine

import (
	"sync"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	stWork State = StateLast + iota
	stDone
)

// twoStepTable builds a minimal Start -> Work -> Done table, recording each
// invoked action name in order.
func twoStepTable(trace *[]string) TransTable {
	return TransTable{
		StateStart: {
			{On: EvLaunch, Action: func(any) {
				*trace = append(*trace, "launch")
			}, Next: stWork},
		},
		stWork: {
			{On: EvSuccess, Action: func(any) {
				*trace = append(*trace, "success")
			}, Next: stDone},
			{On: EvTempFail, Action: func(any) {
				*trace = append(*trace, "tempfail")
			}, Next: stWork},
		},
		stDone: {},
	}
}

func TestMachineBasicTransitions(t *testing.T) {
	var trace []string
	m, err := New(Config{
		Name:  "test",
		Table: twoStepTable(&trace),
	})
	require.NoError(t, err)

	require.Equal(t, StateStart, m.State())

	m.Start()
	require.Equal(t, stWork, m.State())

	m.ProcEvent(EvSuccess, nil)
	require.Equal(t, stDone, m.State())
	require.Equal(t, []string{"launch", "success"}, trace)
}

func TestMachineStateChangedCallback(t *testing.T) {
	var trace []string
	var changes [][2]State
	m, err := New(Config{
		Name:  "test",
		Table: twoStepTable(&trace),
		StateChanged: func(old, new State) {
			changes = append(changes, [2]State{old, new})
		},
	})
	require.NoError(t, err)

	m.Start()
	m.ProcEvent(EvSuccess, nil)

	require.Equal(t, [][2]State{
		{StateStart, stWork},
		{stWork, stDone},
	}, changes)
}

func TestMachineSeededInitialState(t *testing.T) {
	var trace []string
	m, err := New(Config{
		Name:    "test",
		Table:   twoStepTable(&trace),
		Initial: fn.Some(stWork),
	})
	require.NoError(t, err)

	// Restored machines resume from the persisted state, not Start.
	require.Equal(t, stWork, m.State())

	m.ProcEvent(EvSuccess, nil)
	require.Equal(t, stDone, m.State())
}

// TestMachineMissingTransitionHalts verifies that an event absent from the
// current state's node list does not mutate state and permanently halts the
// machine.
func TestMachineMissingTransitionHalts(t *testing.T) {
	var trace []string
	m, err := New(Config{
		Name:  "test",
		Table: twoStepTable(&trace),
	})
	require.NoError(t, err)

	// HardFail has no node in StateStart.
	m.ProcEvent(EvHardFail, nil)

	require.Equal(t, StateStart, m.State())
	require.True(t, m.Halted())
	require.Empty(t, trace)

	// Further events are dropped, even valid ones.
	m.Start()
	require.Equal(t, StateStart, m.State())
	require.Empty(t, trace)
}

// TestMachineReentrantPostEnqueues verifies that an action posting to its
// own machine enqueues rather than recursing, so side effects land in FIFO
// order.
func TestMachineReentrantPostEnqueues(t *testing.T) {
	var trace []string
	var m *Machine

	table := TransTable{
		StateStart: {
			{On: EvLaunch, Action: func(any) {
				trace = append(trace, "launch-begin")
				// Reentrant post: must not dispatch until
				// this action returns.
				m.PostEvent(EvSuccess, nil)
				trace = append(trace, "launch-end")
			}, Next: stWork},
		},
		stWork: {
			{On: EvSuccess, Action: func(any) {
				trace = append(trace, "success")
			}, Next: stDone},
		},
	}

	var err error
	m, err = New(Config{Name: "test", Table: table})
	require.NoError(t, err)

	m.Start()

	require.Equal(t, []string{
		"launch-begin", "launch-end", "success",
	}, trace)
	require.Equal(t, stDone, m.State())
}

func TestMachineConcurrentPostsSerialized(t *testing.T) {
	var mu sync.Mutex
	count := 0

	table := TransTable{
		StateStart: {
			{On: EvLaunch, Action: func(any) {
				mu.Lock()
				count++
				mu.Unlock()
			}, Next: StateStart},
		},
	}

	m, err := New(Config{Name: "test", Table: table})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.PostEvent(EvLaunch, nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, count)
}

func TestTransTableDuplicateEventRejected(t *testing.T) {
	table := TransTable{
		StateStart: {
			{On: EvLaunch, Next: stWork},
			{On: EvLaunch, Next: stDone},
		},
	}

	_, err := New(Config{Name: "test", Table: table})
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

// TestMachineDeterministicDispatch replays random event sequences against
// two machines with the same table and verifies both the final state and the
// ordered action trace match.
func TestMachineDeterministicDispatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		events := rapid.SliceOfN(
			rapid.SampledFrom([]Event{
				EvLaunch, EvSuccess, EvTempFail,
			}),
			1, 20,
		).Draw(t, "events")

		run := func() (State, []string, bool) {
			var trace []string
			m, err := New(Config{
				Name:  "prop",
				Table: twoStepTable(&trace),
			})
			if err != nil {
				t.Fatal(err)
			}

			for _, ev := range events {
				m.ProcEvent(ev, nil)
			}

			return m.State(), trace, m.Halted()
		}

		st1, trace1, halted1 := run()
		st2, trace2, halted2 := run()

		if st1 != st2 {
			t.Fatalf("final states differ: %v vs %v", st1, st2)
		}
		if halted1 != halted2 {
			t.Fatalf("halt flags differ")
		}
		if len(trace1) != len(trace2) {
			t.Fatalf("action traces differ in length")
		}
		for i := range trace1 {
			if trace1[i] != trace2[i] {
				t.Fatalf("action traces diverge at %d", i)
			}
		}
	})
}
