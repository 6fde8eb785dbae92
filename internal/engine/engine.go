package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roasbeef/mailsync/internal/control"
	"github.com/roasbeef/mailsync/internal/protocol"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// Config packages the engine's collaborators and knobs.
type Config struct {
	Store     *store.Store
	Transport protocol.Transport
	Codec     protocol.Codec

	// Owner receives out-of-band indications; nil uses LogOwner.
	Owner protocol.Owner

	// Heartbeat is the idle long-poll interval; zero uses the protocol
	// default.
	Heartbeat time.Duration

	// Timeout bounds each command round trip; zero uses the protocol
	// default.
	Timeout time.Duration

	DeviceModel string
	DeviceOS    string

	// Class reports the current network speed class; nil assumes the
	// slowest so the engine never over-fetches by default.
	Class func() strategy.SpeedClass

	// Foreground reports whether a user is looking at the app.
	Foreground func() bool

	// LowPower reports whether speculative downloads should be held back.
	LowPower func() bool
}

// Engine runs one controller per configured account. Accounts are fully
// independent: each has its own machine, planner and in-flight command; the
// only shared pieces are the store handle and the read-only network
// classifier.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	ctrls map[int64]*control.Controller
}

// New builds an engine over the given collaborators.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = protocol.NewHTTPTransport(nil)
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.Owner == nil {
		cfg.Owner = LogOwner{}
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

	return &Engine{
		cfg:   cfg,
		ctrls: make(map[int64]*control.Controller),
	}, nil
}

// Start brings up a controller for every configured account and kicks each
// conversation. Accounts resume from their persisted control state.
func (e *Engine) Start(ctx context.Context) error {
	accounts, err := e.cfg.Store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	for _, acct := range accounts {
		if err := e.StartAccount(ctx, acct.ID); err != nil {
			return fmt.Errorf("start account %d: %w", acct.ID,
				err)
		}
	}

	log.Infof("engine started with %d account(s)", len(accounts))

	return nil
}

// StartAccount builds and kicks the controller for one account. Starting an
// already-running account re-issues its current step.
func (e *Engine) StartAccount(_ context.Context, acctID int64) error {
	e.mu.Lock()
	if ctrl, ok := e.ctrls[acctID]; ok {
		e.mu.Unlock()
		ctrl.Execute()

		return nil
	}
	e.mu.Unlock()

	source := &dataSource{acctID: acctID, st: e.cfg.Store}
	factory := &commandFactory{
		source:      source,
		transport:   e.cfg.Transport,
		codec:       e.cfg.Codec,
		owner:       e.cfg.Owner,
		heartbeat:   e.cfg.Heartbeat,
		deviceModel: e.cfg.DeviceModel,
		deviceOS:    e.cfg.DeviceOS,
		timeout:     e.cfg.Timeout,
	}

	ctrl, err := control.New(control.Config{
		AccountID:  acctID,
		Store:      e.cfg.Store,
		Planner:    strategy.NewPlanner(e.cfg.Store, nil),
		Factory:    factory,
		Owner:      e.cfg.Owner,
		Class:      e.cfg.Class,
		Foreground: e.cfg.Foreground,
		LowPower:   e.cfg.LowPower,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.ctrls[acctID] = ctrl
	e.mu.Unlock()

	ctrl.Execute()

	return nil
}

// QuickSync asks the account's controller for the fastest possible refresh
// of one folder, typically on a push notification. Unknown accounts are a
// no-op.
func (e *Engine) QuickSync(acctID, folderID int64) {
	if ctrl, ok := e.Controller(acctID); ok {
		ctrl.QuickSync(folderID)
	}
}

// Controller returns the controller for an account, if running.
func (e *Engine) Controller(acctID int64) (*control.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctrl, ok := e.ctrls[acctID]

	return ctrl, ok
}

// AddAccount creates an account with credentials and starts its controller.
func (e *Engine) AddAccount(ctx context.Context, name, email, domain,
	username, password string,
) (*store.Account, error) {
	acct, err := e.cfg.Store.CreateAccount(ctx, name, email, domain)
	if err != nil {
		return nil, err
	}

	err = e.cfg.Store.UpdateCredential(ctx, acct.ID, username, password)
	if err != nil {
		return nil, err
	}

	if err := e.StartAccount(ctx, acct.ID); err != nil {
		return nil, err
	}

	return acct, nil
}

// Stop shuts every controller down. In-flight commands are cancelled and
// post nothing, so each account freezes at its persisted state, ready to
// resume on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	ctrls := make([]*control.Controller, 0, len(e.ctrls))
	for _, ctrl := range e.ctrls {
		ctrls = append(ctrls, ctrl)
	}
	e.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Shutdown()
	}

	log.Infof("engine stopped")
}
