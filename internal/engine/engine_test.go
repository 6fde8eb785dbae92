package engine

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/mailsync/internal/control"
	"github.com/roasbeef/mailsync/internal/protocol"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
	"github.com/stretchr/testify/require"
)

// unreachableTransport fails every round trip as a network error, so
// controllers spun up in tests immediately park in backoff instead of
// touching the network.
type unreachableTransport struct{}

func (unreachableTransport) RoundTrip(_ context.Context,
	_ *protocol.Request,
) (*protocol.Response, error) {
	return nil, protocol.ErrNetwork
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/engine.db")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	return st
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	eng, err := New(Config{
		Store:     st,
		Transport: unreachableTransport{},
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	return eng, st
}

func seedAccount(t *testing.T, st *store.Store) *store.Account {
	t.Helper()

	ctx := context.Background()

	acct, err := st.CreateAccount(ctx, "work", "ada@example.com",
		"example.com")
	require.NoError(t, err)

	require.NoError(t, st.UpdateCredential(ctx, acct.ID, "ada", "hunter2"))
	require.NoError(t, st.UpdateEndpoint(ctx, &store.Endpoint{
		AccountID: acct.ID,
		Scheme:    "https",
		Host:      "mail.example.com",
		Port:      443,
		Path:      "/sync",
	}))

	return acct
}

// TestDataSourceReadsStore checks the store-backed data source surfaces the
// persisted per-account records the protocol layer needs.
func TestDataSourceReadsStore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	acct := seedAccount(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpdateProtoVersion(ctx, acct.ID, "16.1"))
	require.NoError(t, st.UpdatePolicyKey(ctx, acct.ID, "pk-99"))

	src := &dataSource{acctID: acct.ID, st: st}
	require.Equal(t, acct.ID, src.AccountID())

	ep, err := src.Endpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, "mail.example.com", ep.Host)

	cred, err := src.Credential(ctx)
	require.NoError(t, err)
	require.Equal(t, "ada", cred.Username)

	ver, err := src.ProtoVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "16.1", ver)

	key, err := src.PolicyKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "pk-99", key)
}

// TestServerRetryPolicyBounds checks the busy-retry policy honors the server
// delay but refuses unbounded or excessive retries.
func TestServerRetryPolicyBounds(t *testing.T) {
	t.Parallel()

	var p serverRetryPolicy

	// No Retry-After at all means no delayed retry.
	_, ok := p.Permit(fn.None[time.Duration]())
	require.False(t, ok)

	// A sane delay is passed through, up to the attempt cap.
	for i := 0; i < maxServerRetries; i++ {
		delay, ok := p.Permit(fn.Some(30 * time.Second))
		require.True(t, ok)
		require.Equal(t, 30*time.Second, delay)
	}
	_, ok = p.Permit(fn.Some(30 * time.Second))
	require.False(t, ok)

	// An absurd server delay is refused outright.
	var fresh serverRetryPolicy
	_, ok = fresh.Permit(fn.Some(2 * time.Hour))
	require.False(t, ok)
}

func testFactory(st *store.Store, acctID int64) *commandFactory {
	return &commandFactory{
		source:    &dataSource{acctID: acctID, st: st},
		transport: unreachableTransport{},
		codec:     protocol.JSONCodec{},
		owner:     LogOwner{},
	}
}

// TestForDecisionRoutesOperations checks the factory maps each pending
// operation kind onto the right wire command.
func TestForDecisionRoutesOperations(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	acct := seedAccount(t, st)
	ctx := context.Background()

	folder := &store.Folder{
		AccountID:     acct.ID,
		ServerID:      "f1",
		Name:          "Inbox",
		Class:         "Email",
		Selectable:    true,
		UIDNext:       imap.UID(50),
		LowestSynced:  imap.UID(10),
		HighestSynced: imap.UID(49),
	}
	require.NoError(t, st.UpsertFolder(ctx, folder))

	stored, err := st.GetFolder(ctx, folder.ID)
	require.NoError(t, err)

	factory := testFactory(st, acct.ID)

	// Flag-style mutations ride an upload-only sync kit that leaves the
	// folder's watermarks untouched.
	delOp, err := st.EnqueuePendingOp(ctx, acct.ID, store.OpMailDelete,
		stored.ID, []string{"12", "13"})
	require.NoError(t, err)

	cmd, err := factory.ForDecision(&strategy.Decision{
		Kind:  strategy.DecideOperation,
		Batch: []store.PendingOperation{*delOp},
	})
	require.NoError(t, err)
	require.IsType(t, &protocol.SyncCommand{}, cmd)

	// Moves get their own wire command, addressed by the source folder.
	moveOp, err := st.EnqueuePendingOp(ctx, acct.ID, store.OpMailMove,
		stored.ID, []string{"14>dst"})
	require.NoError(t, err)

	cmd, err = factory.ForDecision(&strategy.Decision{
		Kind:  strategy.DecideOperation,
		Batch: []store.PendingOperation{*moveOp},
	})
	require.NoError(t, err)
	require.IsType(t, &protocol.MoveItemsCommand{}, cmd)

	// Outbound mail maps to the send command.
	sendOp, err := st.EnqueuePendingOp(ctx, acct.ID, store.OpMailSend, 0,
		[]string{"bWltZQ=="})
	require.NoError(t, err)

	cmd, err = factory.ForDecision(&strategy.Decision{
		Kind:  strategy.DecideOperation,
		Batch: []store.PendingOperation{*sendOp},
	})
	require.NoError(t, err)
	require.IsType(t, &protocol.SendMailCommand{}, cmd)

	// An empty batch is a programming error upstream.
	_, err = factory.ForDecision(&strategy.Decision{
		Kind: strategy.DecideOperation,
	})
	require.Error(t, err)
}

// TestEngineStartsPersistedAccounts checks Start spins up one controller per
// stored account and that each resumes from its persisted control state.
func TestEngineStartsPersistedAccounts(t *testing.T) {
	t.Parallel()

	eng, st := newTestEngine(t)
	ctx := context.Background()

	first := seedAccount(t, st)
	second, err := st.CreateAccount(ctx, "home", "bob@example.org",
		"example.org")
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))

	_, ok := eng.Controller(first.ID)
	require.True(t, ok)
	_, ok = eng.Controller(second.ID)
	require.True(t, ok)
	_, ok = eng.Controller(second.ID + 1)
	require.False(t, ok)
}

// TestAddAccountStartsController checks AddAccount persists the account with
// credentials and immediately brings its controller up.
func TestAddAccountStartsController(t *testing.T) {
	t.Parallel()

	eng, st := newTestEngine(t)
	ctx := context.Background()

	acct, err := eng.AddAccount(ctx, "work", "ada@example.com",
		"example.com", "ada", "hunter2")
	require.NoError(t, err)

	cred, err := st.GetCredential(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "ada", cred.Username)

	ctrl, ok := eng.Controller(acct.ID)
	require.True(t, ok)

	// Every discovery probe fails against the unreachable transport, so
	// the ladder exhausts and the controller parks awaiting manual server
	// configuration.
	require.Eventually(t, func() bool {
		return ctrl.State() == control.StateServConfWait
	}, time.Second, 10*time.Millisecond)
}
