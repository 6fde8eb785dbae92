package protocol

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// Command is one self-contained request/response protocol step. Execute
// returns once the request is in flight; the outcome arrives later as a
// single event posted to the parent machine (or no event at all when the
// caller cancelled).
type Command interface {
	// Execute starts the command's conversation. The parent machine
	// receives exactly one terminal event unless Cancel is called first.
	Execute(parent *statemachine.Machine) error

	// Cancel requests cooperative abort of the in-flight transport call.
	// Idempotent.
	Cancel()
}

// DataSource exposes the per-account persisted context a command needs to
// build requests: endpoint, credentials, negotiated protocol parameters, and
// the persistence handle for applying response side effects.
type DataSource interface {
	AccountID() int64
	Endpoint(ctx context.Context) (*store.Endpoint, error)
	Credential(ctx context.Context) (*store.Credential, error)
	ProtoVersion(ctx context.Context) (string, error)
	PolicyKey(ctx context.Context) (string, error)
	Store() *store.Store
}

// Owner receives the out-of-band indications the engine cannot resolve on
// its own. Callbacks must not block; the engine transitions to a wait state
// and resumes only on an explicit response event.
type Owner interface {
	CredentialsRequired(accountID int64)
	ServerConfRequired(accountID int64)
	CertApprovalRequired(accountID int64)
	HardFailure(accountID int64, reason string)
	TooManyDevices(accountID int64)
	ServerBusy(accountID int64, retryAfter time.Duration)
	OutOfSpace(accountID int64)
}

// EventSet maps the cross-cutting redo signals onto the parent machine's
// event space. The control machine binds these to its own ReDisc/ReProv/
// ReSync values; a nested sub-machine that cannot redo earlier phases binds
// them to EvHardFail instead.
type EventSet struct {
	ReDisc      statemachine.Event
	ReProv      statemachine.Event
	ReSync      statemachine.Event
	ServConfReq statemachine.Event
}

// RetryPolicy decides whether a server-requested delayed retry (503 with
// Retry-After) is allowed, and with what delay.
type RetryPolicy interface {
	// Permit returns the delay to wait before re-launching, and whether
	// the retry is allowed at all. The server's Retry-After value, when
	// present, is a lower bound on the returned delay.
	Permit(retryAfter fn.Option[time.Duration]) (time.Duration, bool)
}
