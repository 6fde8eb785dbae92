package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/mailsync/internal/protocol"
	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// Events is the controller's event space handed to commands, so their redo
// signals land on the right controller transitions.
func Events() protocol.EventSet {
	return protocol.EventSet{
		ReDisc:      EvReDisc,
		ReProv:      EvReProv,
		ReSync:      EvReSync,
		ServConfReq: EvServConfReq,
	}
}

// CommandFactory builds the protocol command for each phase. The engine
// wires the production factory over the real transport; tests substitute
// scripted commands.
type CommandFactory interface {
	Autodiscover() (protocol.Command, error)
	Options() (protocol.Command, error)
	Provision() (protocol.Command, error)
	Settings() (protocol.Command, error)
	FolderSync() (protocol.Command, error)
	Ping() (protocol.Command, error)
	SendMail(op *store.PendingOperation) (protocol.Command, error)

	// ForDecision maps a planner verdict onto a command. The controller
	// handles DecideNone, DecideWait and DecideFolderSync itself, so only
	// sync, fetch and operation decisions arrive here.
	ForDecision(dec *strategy.Decision) (protocol.Command, error)
}

// Config packages the controller's collaborators.
type Config struct {
	AccountID int64
	Store     *store.Store
	Planner   *strategy.Planner
	Factory   CommandFactory
	Owner     protocol.Owner

	// Backoff schedules relaunches after transient failures; nil uses
	// DefaultBackoff.
	Backoff Backoff

	// Class reports the current network speed class for planner calls.
	Class func() strategy.SpeedClass

	// Foreground reports whether the app is user-visible, which unlocks
	// the planner's user-demand rung.
	Foreground func() bool

	// LowPower reports whether the device wants speculative work held
	// back.
	LowPower func() bool
}

// quickSyncWindow bounds how long a quick-sync request keeps the planner in
// the quick context. A stream of push notifications extends it one window at
// a time, never indefinitely in one shot.
const quickSyncWindow = 2 * time.Minute

// Controller is the per-account orchestrator: a long-lived machine whose
// states are the coarse protocol phases and whose actions launch the phase
// commands. Every transition persists the new state into the account's
// protocol-state record, and construction seeds the initial state from that
// record, so an account resumes mid-conversation across process restarts.
type Controller struct {
	cfg Config
	m   *statemachine.Machine

	mu       sync.Mutex
	cur      protocol.Command
	attempts int
	timer    *time.Timer
	sendOp   *store.PendingOperation

	// hardDone latches the hard-failure owner indication until a fresh
	// Launch restarts the account.
	hardDone bool

	// quickFolder and quickUntil define the active quick-sync window.
	quickFolder int64
	quickUntil  time.Time
}

// New builds a controller, seeding its state from the persisted
// protocol-state record.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Planner == nil || cfg.Factory == nil ||
		cfg.Owner == nil {

		return nil, errors.New("control: missing collaborator")
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Class == nil {
		cfg.Class = func() strategy.SpeedClass {
			return strategy.SlowCell
		}
	}
	if cfg.Foreground == nil {
		cfg.Foreground = func() bool { return false }
	}
	if cfg.LowPower == nil {
		cfg.LowPower = func() bool { return false }
	}

	c := &Controller{cfg: cfg}

	initial := fn.None[statemachine.State]()
	state, err := cfg.Store.GetProtocolState(
		context.Background(), cfg.AccountID,
	)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if state != nil && state.ControlState != 0 {
		initial = fn.Some(statemachine.State(state.ControlState))
	}

	m, err := statemachine.New(statemachine.Config{
		Name:         fmt.Sprintf("ctrl(acct=%d)", cfg.AccountID),
		Table:        c.table(),
		Initial:      initial,
		StateChanged: c.stateChanged,
		StateName:    StateName,
		EventName:    EventName,
	})
	if err != nil {
		return nil, err
	}
	c.m = m

	return c, nil
}

// table builds the phase transition table. Reading it top to bottom is
// reading the protocol: each wait state advances on Success, retries in
// place on TempFail, and accepts the cross-cutting redo events that route
// back to earlier phases.
func (c *Controller) table() statemachine.TransTable {
	return statemachine.TransTable{
		statemachine.StateStart: {
			{On: statemachine.EvLaunch, Action: c.startDisc,
				Next: StateDiscWait},
			// A change notification before setup finishes has
			// nothing to redo yet; the chain reaches the sync
			// phase on its own.
			{On: EvReSync, Action: nil,
				Next: statemachine.StateStart},
		},
		StateDiscWait: {
			{On: statemachine.EvLaunch, Action: c.startDisc,
				Next: StateDiscWait},
			{On: statemachine.EvSuccess, Action: c.startOptions,
				Next: StateOptionsWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: statemachine.StateStart},
			{On: statemachine.EvHardFail, Action: c.needCreds,
				Next: StateCredWait},
			{On: EvServConfReq, Action: c.needServConf,
				Next: StateServConfWait},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReSync, Action: nil,
				Next: StateDiscWait},
		},
		StateCredWait: {
			{On: statemachine.EvLaunch, Action: c.needCreds,
				Next: StateCredWait},
			{On: EvCredResp, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReSync, Action: nil,
				Next: StateCredWait},
		},
		StateServConfWait: {
			{On: statemachine.EvLaunch, Action: c.needServConf,
				Next: StateServConfWait},
			{On: EvServConfResp, Action: c.startOptions,
				Next: StateOptionsWait},
			{On: EvReSync, Action: nil,
				Next: StateServConfWait},
		},
		StateOptionsWait: {
			{On: statemachine.EvLaunch, Action: c.startOptions,
				Next: StateOptionsWait},
			{On: statemachine.EvSuccess, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateOptionsWait},
			// A hard failure probing capabilities means the
			// discovered endpoint is wrong, not the account.
			{On: statemachine.EvHardFail, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: EvReSync, Action: c.startOptions,
				Next: StateOptionsWait},
		},
		StateProvisionWait: {
			{On: statemachine.EvLaunch, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: statemachine.EvSuccess, Action: c.startSettings,
				Next: StateSettingsWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateProvisionWait},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReSync, Action: nil,
				Next: StateProvisionWait},
		},
		StateSettingsWait: {
			{On: statemachine.EvLaunch, Action: c.startSettings,
				Next: StateSettingsWait},
			{On: statemachine.EvSuccess, Action: c.startFolderSync,
				Next: StateFolderSyncWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateSettingsWait},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: EvReSync, Action: c.startSettings,
				Next: StateSettingsWait},
		},
		StateFolderSyncWait: {
			{On: statemachine.EvLaunch, Action: c.startFolderSync,
				Next: StateFolderSyncWait},
			{On: statemachine.EvSuccess, Action: c.plan,
				Next: StateSyncWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateFolderSyncWait},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			// Already redoing the sync phase; repeated requests
			// coalesce into the one in flight.
			{On: EvReSync, Action: nil,
				Next: StateFolderSyncWait},
		},
		StateSyncWait: {
			{On: statemachine.EvLaunch, Action: c.plan,
				Next: StateSyncWait},
			{On: statemachine.EvSuccess, Action: c.plan,
				Next: StateSyncWait},
			{On: evNoWork, Action: c.startPing,
				Next: StateIdle},
			{On: statemachine.EvTempFail, Action: c.backoffSync,
				Next: StateSyncWait},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: EvReSync, Action: c.resync,
				Next: StateFolderSyncWait},
			{On: EvServConfReq, Action: c.needServConf,
				Next: StateServConfWait},
		},
		StateIdle: {
			{On: statemachine.EvLaunch, Action: c.startPing,
				Next: StateIdle},
			{On: statemachine.EvSuccess, Action: c.startPing,
				Next: StateIdle},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateIdle},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: EvReSync, Action: c.resync,
				Next: StateFolderSyncWait},
			{On: EvSendMail, Action: c.startSendMail,
				Next: StateSendMailWait},
		},
		StateSendMailWait: {
			{On: statemachine.EvLaunch, Action: c.resendMail,
				Next: StateSendMailWait},
			{On: statemachine.EvSuccess, Action: c.plan,
				Next: StateSyncWait},
			{On: statemachine.EvTempFail, Action: c.backoff,
				Next: StateSendMailWait},
			{On: statemachine.EvHardFail, Action: c.hardStop,
				Next: statemachine.StateStop},
			{On: EvReDisc, Action: c.startDisc,
				Next: StateDiscWait},
			{On: EvReProv, Action: c.startProvision,
				Next: StateProvisionWait},
			{On: EvReSync, Action: c.resync,
				Next: StateFolderSyncWait},
		},
		statemachine.StateStop: {
			// Stop is not a grave: a fresh Launch, typically
			// user-triggered, starts the conversation over from
			// discovery.
			{On: statemachine.EvLaunch, Action: c.restart,
				Next: StateDiscWait},
			{On: EvReSync, Action: nil,
				Next: statemachine.StateStop},
		},
	}
}

// Execute kicks or resumes the machine. Idempotent: re-entry from any wait
// state re-issues that state's step.
func (c *Controller) Execute() {
	c.m.Start()
}

// CredResponse signals that the owner supplied fresh credentials.
func (c *Controller) CredResponse() {
	c.m.PostEvent(EvCredResp, nil)
}

// ServConfResponse signals that the owner supplied a server configuration.
func (c *Controller) ServConfResponse() {
	c.m.PostEvent(EvServConfResp, nil)
}

// SendEMail asks an idle account to upload the given pending outbound
// message.
func (c *Controller) SendEMail(op *store.PendingOperation) {
	c.m.PostEvent(EvSendMail, op)
}

// QuickSync asks for the fastest possible refresh of one folder, typically
// on a push notification. The quick context holds for one window so a
// stream of notifications cannot starve regular work forever.
func (c *Controller) QuickSync(folderID int64) {
	c.mu.Lock()
	c.quickFolder = folderID
	c.quickUntil = time.Now().Add(quickSyncWindow)
	c.mu.Unlock()

	c.m.PostEvent(EvReSync, nil)
}

// StagePending records a local mutation as a pending operation and nudges
// the machine so the next sync cycle uploads it.
func (c *Controller) StagePending(ctx context.Context, kind store.OpKind,
	folderID int64, targets []string,
) (*store.PendingOperation, error) {
	op, err := c.cfg.Store.EnqueuePendingOp(ctx, c.cfg.AccountID, kind,
		folderID, targets)
	if err != nil {
		return nil, err
	}

	c.m.PostEvent(EvReSync, nil)

	return op, nil
}

// State returns the machine's current state.
func (c *Controller) State() statemachine.State {
	return c.m.State()
}

// Machine exposes the underlying machine for event injection in tests.
func (c *Controller) Machine() *statemachine.Machine {
	return c.m
}

// Shutdown cancels the in-flight command and any scheduled relaunch. The
// cancelled command posts nothing, so the machine simply freezes in its
// current (persisted) state.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	cur := c.cur
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}
}

// stateChanged persists every transition and resets the retry counter when
// the phase actually moved.
func (c *Controller) stateChanged(old, new statemachine.State) {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	err := c.cfg.Store.UpdateControlState(
		context.Background(), c.cfg.AccountID, int(new),
	)
	if err != nil {
		log.Errorf("ctrl(acct=%d): persist state %s: %v",
			c.cfg.AccountID, StateName(new), err)
	}
}

// launch replaces the current command and executes it. A construction or
// launch error degrades to TempFail so the backoff path owns recovery.
func (c *Controller) launch(cmd protocol.Command, err error) {
	if err != nil {
		log.Errorf("ctrl(acct=%d): build command: %v",
			c.cfg.AccountID, err)
		c.m.PostEvent(statemachine.EvTempFail, nil)

		return
	}

	c.mu.Lock()
	prev := c.cur
	c.cur = cmd
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	if err := cmd.Execute(c.m); err != nil {
		log.Errorf("ctrl(acct=%d): execute command: %v",
			c.cfg.AccountID, err)
		c.m.PostEvent(statemachine.EvTempFail, nil)
	}
}

func (c *Controller) startDisc(any) {
	c.launch(c.cfg.Factory.Autodiscover())
}

func (c *Controller) startOptions(any) {
	c.launch(c.cfg.Factory.Options())
}

func (c *Controller) startProvision(any) {
	c.launch(c.cfg.Factory.Provision())
}

func (c *Controller) startSettings(any) {
	c.launch(c.cfg.Factory.Settings())
}

func (c *Controller) startFolderSync(any) {
	c.launch(c.cfg.Factory.FolderSync())
}

func (c *Controller) startPing(any) {
	c.launch(c.cfg.Factory.Ping())
}

// startSendMail keeps the operation so a TempFail relaunch can retry it.
func (c *Controller) startSendMail(arg any) {
	op, ok := arg.(*store.PendingOperation)
	if !ok || op == nil {
		log.Errorf("ctrl(acct=%d): send-mail event without operation",
			c.cfg.AccountID)
		c.m.PostEvent(statemachine.EvTempFail, nil)

		return
	}

	c.mu.Lock()
	c.sendOp = op
	c.mu.Unlock()

	c.launch(c.cfg.Factory.SendMail(op))
}

func (c *Controller) resendMail(any) {
	c.mu.Lock()
	op := c.sendOp
	c.mu.Unlock()

	if op == nil {
		// Nothing to retry; fall back to the planner loop.
		c.m.PostEvent(statemachine.EvSuccess, nil)
		return
	}

	c.launch(c.cfg.Factory.SendMail(op))
}

// planEnv snapshots the execution context for one planner call. An active
// quick-sync window overrides the foreground/background split.
func (c *Controller) planEnv() strategy.Env {
	env := strategy.Env{LowPower: c.cfg.LowPower()}
	if c.cfg.Foreground() {
		env.Mode = strategy.ModeForeground
	}

	c.mu.Lock()
	if c.quickFolder != 0 && time.Now().Before(c.quickUntil) {
		env.Mode = strategy.ModeQuickSync
		env.PriorityFolder = c.quickFolder
	}
	c.mu.Unlock()

	return env
}

// plan asks the planner for the next verdict and dispatches it. No work
// moves the machine to idle via the internal no-work event.
func (c *Controller) plan(any) {
	ctx := context.Background()

	dec, err := c.cfg.Planner.Pick(ctx, c.cfg.AccountID, c.cfg.Class(),
		c.planEnv())
	if err != nil {
		log.Errorf("ctrl(acct=%d): planner: %v", c.cfg.AccountID, err)
		c.m.PostEvent(statemachine.EvTempFail, nil)

		return
	}

	switch dec.Kind {
	case strategy.DecideNone:
		c.m.PostEvent(evNoWork, nil)
		return

	case strategy.DecideWait:
		c.scheduleRelaunch(dec.Wait)
		return

	case strategy.DecideFolderSync:
		c.startFolderSync(nil)
		return
	}

	// Take ownership of the operations behind this decision for the
	// round trip.
	owned := dec.Batch
	if dec.Sync != nil {
		owned = append(owned, dec.Sync.Uploads...)
	}
	if len(owned) > 0 {
		if err := c.cfg.Store.MarkDispatched(ctx, owned); err != nil {
			log.Errorf("ctrl(acct=%d): mark dispatched: %v",
				c.cfg.AccountID, err)
			c.m.PostEvent(statemachine.EvTempFail, nil)

			return
		}
	}

	c.launch(c.cfg.Factory.ForDecision(dec))
}

// scheduleRelaunch arms the relaunch timer, replacing any pending one.
func (c *Controller) scheduleRelaunch(delay time.Duration) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.m.PostEvent(statemachine.EvLaunch, nil)
	})
	c.mu.Unlock()
}

// backoff schedules a relaunch of the current phase after the next backoff
// delay.
func (c *Controller) backoff(any) {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	delay := c.cfg.Backoff.Next(attempt)
	c.scheduleRelaunch(delay)

	log.Debugf("ctrl(acct=%d): attempt %d, relaunch in %v",
		c.cfg.AccountID, attempt, delay)
}

// backoffSync is the sync-phase variant: dispatched operations whose round
// trip died are swept back to eligible before the relaunch.
func (c *Controller) backoffSync(arg any) {
	err := c.cfg.Store.RequeueDispatched(
		context.Background(), c.cfg.AccountID,
	)
	if err != nil {
		log.Errorf("ctrl(acct=%d): requeue dispatched: %v",
			c.cfg.AccountID, err)
	}

	c.backoff(arg)
}

// resync cancels whatever is in flight and redoes the sync phase from the
// folder hierarchy down.
func (c *Controller) resync(arg any) {
	c.mu.Lock()
	prev := c.cur
	c.cur = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	err := c.cfg.Store.RequeueDispatched(
		context.Background(), c.cfg.AccountID,
	)
	if err != nil {
		log.Errorf("ctrl(acct=%d): requeue dispatched: %v",
			c.cfg.AccountID, err)
	}

	c.startFolderSync(arg)
}

// needCreds parks the machine until the owner supplies credentials.
func (c *Controller) needCreds(any) {
	c.cancelCurrent()
	c.cfg.Owner.CredentialsRequired(c.cfg.AccountID)
}

// needServConf parks the machine until the owner supplies a server
// configuration.
func (c *Controller) needServConf(any) {
	c.cancelCurrent()
	c.cfg.Owner.ServerConfRequired(c.cfg.AccountID)
}

// hardStop ends the conversation. The owner indication fires once per
// stopped conversation however many paths reach it; restart re-arms it.
func (c *Controller) hardStop(any) {
	c.cancelCurrent()

	c.mu.Lock()
	done := c.hardDone
	c.hardDone = true
	c.mu.Unlock()

	if done {
		return
	}

	log.Errorf("ctrl(acct=%d): hard failure in %s",
		c.cfg.AccountID, StateName(c.m.State()))
	c.cfg.Owner.HardFailure(c.cfg.AccountID, "protocol hard failure")
}

// restart clears the hard-failure latch and runs the conversation over from
// discovery.
func (c *Controller) restart(arg any) {
	c.mu.Lock()
	c.hardDone = false
	c.attempts = 0
	c.mu.Unlock()

	c.startDisc(arg)
}

func (c *Controller) cancelCurrent() {
	c.mu.Lock()
	prev := c.cur
	c.cur = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
}
