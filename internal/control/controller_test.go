package control

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/mailsync/internal/protocol"
	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// stubCmd posts a scripted event to its parent on Execute, or nothing when
// the script says to hold.
type stubCmd struct {
	ev      fn.Option[statemachine.Event]
	cancels *atomic.Int32
}

func (s *stubCmd) Execute(parent *statemachine.Machine) error {
	s.ev.WhenSome(func(ev statemachine.Event) {
		parent.PostEvent(ev, nil)
	})

	return nil
}

func (s *stubCmd) Cancel() {
	s.cancels.Add(1)
}

// scriptFactory hands out stub commands per phase, consuming a per-phase
// event script. A phase with an exhausted (or absent) script yields commands
// that post nothing, which parks the machine in that wait state.
type scriptFactory struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string][]statemachine.Event
	cancels map[string]*atomic.Int32
}

func newScriptFactory() *scriptFactory {
	return &scriptFactory{
		calls:   make(map[string]int),
		scripts: make(map[string][]statemachine.Event),
		cancels: make(map[string]*atomic.Int32),
	}
}

func (f *scriptFactory) script(phase string, evs ...statemachine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scripts[phase] = append(f.scripts[phase], evs...)
}

func (f *scriptFactory) callCount(phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[phase]
}

func (f *scriptFactory) cancelCount(phase string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancels[phase] == nil {
		return 0
	}

	return f.cancels[phase].Load()
}

func (f *scriptFactory) next(phase string) (protocol.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[phase]++

	ev := fn.None[statemachine.Event]()
	if q := f.scripts[phase]; len(q) > 0 {
		ev = fn.Some(q[0])
		f.scripts[phase] = q[1:]
	}

	can := f.cancels[phase]
	if can == nil {
		can = new(atomic.Int32)
		f.cancels[phase] = can
	}

	return &stubCmd{ev: ev, cancels: can}, nil
}

func (f *scriptFactory) Autodiscover() (protocol.Command, error) {
	return f.next("disc")
}

func (f *scriptFactory) Options() (protocol.Command, error) {
	return f.next("options")
}

func (f *scriptFactory) Provision() (protocol.Command, error) {
	return f.next("provision")
}

func (f *scriptFactory) Settings() (protocol.Command, error) {
	return f.next("settings")
}

func (f *scriptFactory) FolderSync() (protocol.Command, error) {
	return f.next("foldersync")
}

func (f *scriptFactory) Ping() (protocol.Command, error) {
	return f.next("ping")
}

func (f *scriptFactory) SendMail(*store.PendingOperation) (protocol.Command,
	error,
) {
	return f.next("sendmail")
}

func (f *scriptFactory) ForDecision(*strategy.Decision) (protocol.Command,
	error,
) {
	return f.next("decision")
}

// fakeOwner counts indication callbacks.
type fakeOwner struct {
	mu          sync.Mutex
	hardFails   int
	credsNeeded int
	confNeeded  int
}

func (o *fakeOwner) CredentialsRequired(int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.credsNeeded++
}

func (o *fakeOwner) ServerConfRequired(int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confNeeded++
}

func (o *fakeOwner) CertApprovalRequired(int64) {}

func (o *fakeOwner) HardFailure(int64, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hardFails++
}

func (o *fakeOwner) TooManyDevices(int64) {}

func (o *fakeOwner) ServerBusy(int64, time.Duration) {}

func (o *fakeOwner) OutOfSpace(int64) {}

func (o *fakeOwner) hardFailCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hardFails
}

func (o *fakeOwner) credCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.credsNeeded
}

// newTestController builds a controller over a fresh store. A non-zero
// seedState is persisted first so New resumes from it.
func newTestController(t *testing.T, factory CommandFactory,
	seedState statemachine.State,
) (*Controller, *fakeOwner, *store.Store, int64) {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	acct, err := st.CreateAccount(ctx, "test", "u@example.test",
		"example.test")
	require.NoError(t, err)

	if seedState != 0 {
		err := st.UpdateControlState(ctx, acct.ID, int(seedState))
		require.NoError(t, err)
	}

	// A fresh hierarchy sync, so the planner's staleness rung stays out
	// of scripted phase counts.
	err = st.UpdateFolderSyncKey(ctx, acct.ID, "1", time.Now())
	require.NoError(t, err)

	owner := &fakeOwner{}
	c, err := New(Config{
		AccountID: acct.ID,
		Store:     st,
		Planner:   strategy.NewPlanner(st, nil),
		Factory:   factory,
		Owner:     owner,
		Backoff:   ExpBackoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	return c, owner, st, acct.ID
}

// TestHappyPathToIdle drives the full phase chain on scripted successes and
// checks the machine lands in idle with the state persisted.
func TestHappyPathToIdle(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	f.script("disc", statemachine.EvSuccess)
	f.script("options", statemachine.EvSuccess)
	f.script("provision", statemachine.EvSuccess)
	f.script("settings", statemachine.EvSuccess)
	f.script("foldersync", statemachine.EvSuccess)

	c, _, st, acctID := newTestController(t, f, 0)

	c.Execute()

	require.Equal(t, statemachine.State(StateIdle), c.State())
	require.Equal(t, 1, f.callCount("disc"))
	require.Equal(t, 1, f.callCount("options"))
	require.Equal(t, 1, f.callCount("provision"))
	require.Equal(t, 1, f.callCount("settings"))
	require.Equal(t, 1, f.callCount("foldersync"))
	require.Equal(t, 1, f.callCount("ping"))

	state, err := st.GetProtocolState(context.Background(), acctID)
	require.NoError(t, err)
	require.Equal(t, int(StateIdle), state.ControlState)
}

// TestSyncHardFailStops checks the hard-failure contract from the sync
// phase: the machine reaches Stop, the owner hears about it once, and a
// fresh Launch starts the conversation over from discovery.
func TestSyncHardFailStops(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	c, owner, _, _ := newTestController(t, f, StateSyncWait)

	c.Machine().PostEvent(statemachine.EvHardFail, nil)

	require.Equal(t, statemachine.StateStop, c.State())
	require.Equal(t, 1, owner.hardFailCount())

	// Relaunching a stopped account restarts it from discovery without
	// replaying the old notification.
	c.Execute()
	require.Equal(t, statemachine.State(StateDiscWait), c.State())
	require.Equal(t, 1, f.callCount("disc"))
	require.Equal(t, 1, owner.hardFailCount())

	// A hard failure in the restarted conversation notifies again: the
	// relaunch re-armed the latch.
	f.script("disc", statemachine.EvSuccess)
	f.script("options", statemachine.EvSuccess)
	f.script("provision", statemachine.EvHardFail)

	c.Execute()
	require.Equal(t, statemachine.StateStop, c.State())
	require.Equal(t, 2, owner.hardFailCount())
}

// TestDiscoveryTempFailResets checks that a transient discovery failure
// drops back to Start, then the scheduled relaunch retries discovery.
func TestDiscoveryTempFailResets(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	f.script("disc", statemachine.EvTempFail, statemachine.EvSuccess)

	c, _, _, _ := newTestController(t, f, 0)

	c.Execute()

	require.Eventually(t, func() bool {
		return c.State() == StateOptionsWait
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, f.callCount("disc"))
}

// TestCredentialsFlow checks the park-and-resume path: discovery hard fail
// surfaces a credentials request, and the owner's response restarts
// discovery.
func TestCredentialsFlow(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	f.script("disc", statemachine.EvHardFail, statemachine.EvSuccess)

	c, owner, _, _ := newTestController(t, f, 0)

	c.Execute()
	require.Equal(t, statemachine.State(StateCredWait), c.State())
	require.Equal(t, 1, owner.credCount())

	c.CredResponse()
	require.Equal(t, statemachine.State(StateOptionsWait), c.State())
	require.Equal(t, 2, f.callCount("disc"))
}

// TestReSyncCoalesces checks that repeated re-sync requests collapse onto
// the folder sync already in flight.
func TestReSyncCoalesces(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	c, _, _, _ := newTestController(t, f, StateIdle)

	c.Machine().PostEvent(EvReSync, nil)
	require.Equal(t, statemachine.State(StateFolderSyncWait), c.State())

	c.Machine().PostEvent(EvReSync, nil)
	c.Machine().PostEvent(EvReSync, nil)

	require.Equal(t, statemachine.State(StateFolderSyncWait), c.State())
	require.Equal(t, 1, f.callCount("foldersync"))
}

// TestLaunchReentryReissues checks that Execute from a wait state re-issues
// that state's command and cancels the superseded one.
func TestLaunchReentryReissues(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	c, _, _, _ := newTestController(t, f, StateFolderSyncWait)

	c.Execute()
	require.Equal(t, 1, f.callCount("foldersync"))

	c.Execute()
	require.Equal(t, 2, f.callCount("foldersync"))
	require.Equal(t, int32(1), f.cancelCount("foldersync"))
	require.Equal(t, statemachine.State(StateFolderSyncWait), c.State())
}

// TestSendMailFromIdle checks the outbound-mail detour: idle accepts the
// payload-carrying event, and success returns through the planner to idle.
func TestSendMailFromIdle(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	f.script("sendmail", statemachine.EvSuccess)

	c, _, st, acctID := newTestController(t, f, StateIdle)

	op, err := st.EnqueuePendingOp(context.Background(), acctID,
		store.OpMailSend, 0, []string{"raw mime"})
	require.NoError(t, err)

	c.SendEMail(op)

	// The stub command resolves nothing, so the planner immediately
	// re-picks the still-pending send as its next decision.
	require.Equal(t, statemachine.State(StateSyncWait), c.State())
	require.Equal(t, 1, f.callCount("sendmail"))
	require.Equal(t, 1, f.callCount("decision"))
}

// TestStagePendingDuringSetup checks that staging a mutation mid-setup is
// absorbed without derailing the phase in progress: the operation is
// recorded, the machine keeps running, and the state does not move.
func TestStagePendingDuringSetup(t *testing.T) {
	t.Parallel()

	for _, seed := range []statemachine.State{
		StateDiscWait, StateCredWait, StateServConfWait,
		StateProvisionWait,
	} {
		seed := seed
		t.Run(StateName(seed), func(t *testing.T) {
			t.Parallel()

			c, _, st, acctID := newTestController(t,
				newScriptFactory(), seed)

			ctx := context.Background()
			_, err := c.StagePending(ctx, store.OpMailDelete, 0,
				[]string{"42"})
			require.NoError(t, err)

			require.Equal(t, seed, c.State())
			require.False(t, c.Machine().Halted())

			got, err := st.OldestEligiblePendingOp(ctx, acctID)
			require.NoError(t, err)
			require.Equal(t, store.OpMailDelete, got.Kind)
		})
	}
}

// TestQuickSyncServesPriorityFolder checks the push-notification path: a
// quick-sync request redoes the hierarchy, then the planner serves the named
// folder.
func TestQuickSyncServesPriorityFolder(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	f.script("foldersync", statemachine.EvSuccess)

	c, _, st, acctID := newTestController(t, f, StateIdle)

	ctx := context.Background()
	folder := &store.Folder{
		AccountID: acctID, ServerID: "inbox", Name: "Inbox",
		Class: "Inbox", Selectable: true,
	}
	require.NoError(t, st.UpsertFolder(ctx, folder))
	require.NoError(t, st.UpdateFolderExamine(ctx, folder.ID, 123,
		time.Now()))
	require.NoError(t, st.UpdateFolderWatermarks(ctx, folder.ID, 1, 100,
		2, time.Now()))

	c.QuickSync(folder.ID)

	require.Equal(t, statemachine.State(StateSyncWait), c.State())
	require.Equal(t, 1, f.callCount("foldersync"))
	require.Equal(t, 1, f.callCount("decision"))
}

// TestStagePendingNudgesSync checks that staging a local mutation records it
// and redoes the sync phase.
func TestStagePendingNudgesSync(t *testing.T) {
	t.Parallel()

	f := newScriptFactory()
	c, _, st, acctID := newTestController(t, f, StateIdle)

	ctx := context.Background()
	op, err := c.StagePending(ctx, store.OpMailDelete, 0, []string{"42"})
	require.NoError(t, err)
	require.NotZero(t, op.ID)

	require.Equal(t, statemachine.State(StateFolderSyncWait), c.State())

	got, err := st.OldestEligiblePendingOp(ctx, acctID)
	require.NoError(t, err)
	require.Equal(t, store.OpMailDelete, got.Kind)
}
