package store

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(t.TempDir() + "/store.db")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	return st
}

func newTestAccount(t *testing.T, st *Store) *Account {
	t.Helper()

	acct, err := st.CreateAccount(context.Background(), "work",
		"ada@example.com", "example.com")
	require.NoError(t, err)

	return acct
}

// TestCreateAccountSeedsRows checks account creation seeds the credential,
// endpoint and protocol-state rows so later updates can assume existence.
func TestCreateAccountSeedsRows(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	cred, err := st.GetCredential(ctx, acct.ID)
	require.NoError(t, err)
	require.Empty(t, cred.Username)

	ep, err := st.GetEndpoint(ctx, acct.ID)
	require.NoError(t, err)
	require.Empty(t, ep.Host)

	state, err := st.GetProtocolState(ctx, acct.ID)
	require.NoError(t, err)
	require.Zero(t, state.ControlState)

	accounts, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	_, err = st.GetAccount(ctx, acct.ID+1)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestProtocolStateRoundTrips checks the negotiated parameters and control
// state persist across individual updates.
func TestProtocolStateRoundTrips(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	require.NoError(t, st.UpdateControlState(ctx, acct.ID, 7))
	require.NoError(t, st.UpdateProtoVersion(ctx, acct.ID, "16.1"))
	require.NoError(t, st.UpdatePolicyKey(ctx, acct.ID, "pk-1"))

	syncedAt := time.Unix(1700000000, 0)
	require.NoError(t, st.UpdateFolderSyncKey(ctx, acct.ID, "fsk-9",
		syncedAt))

	state, err := st.GetProtocolState(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, 7, state.ControlState)
	require.Equal(t, "16.1", state.ProtoVersion)
	require.Equal(t, "pk-1", state.PolicyKey)
	require.Equal(t, "fsk-9", state.FolderSyncKey)
	require.Equal(t, syncedAt.Unix(), state.LastFolderSync)
}

// TestFolderWatermarks checks the upsert path, the examine/watermark update
// split, and the derived predicates the planner keys off.
func TestFolderWatermarks(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	f := &Folder{
		AccountID:    acct.ID,
		ServerID:     "f1",
		Name:         "Inbox",
		Class:        "Email",
		Selectable:   true,
		LowestSynced: NeverSynced,
	}
	require.NoError(t, st.UpsertFolder(ctx, f))
	require.NotZero(t, f.ID)

	fresh, err := st.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, fresh.NeverExamined())
	require.False(t, fresh.HasNewMail())

	// Examine learns the server's UIDNext; nothing synced yet so all of
	// it counts as new mail.
	now := time.Now()
	require.NoError(t, st.UpdateFolderExamine(ctx, f.ID, imap.UID(123),
		now))

	fresh, err = st.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	require.False(t, fresh.NeverExamined())
	require.True(t, fresh.HasNewMail())

	// A sync pass advances the watermarks and the backfill rung.
	require.NoError(t, st.UpdateFolderWatermarks(ctx, f.ID, imap.UID(112),
		imap.UID(122), 1, now))

	fresh, err = st.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, imap.UID(112), fresh.LowestSynced)
	require.Equal(t, imap.UID(122), fresh.HighestSynced)
	require.Equal(t, 1, fresh.SyncRung)
	require.False(t, fresh.HasNewMail())

	// Upserting the same server id again keeps the watermarks.
	require.NoError(t, st.UpsertFolder(ctx, &Folder{
		AccountID:  acct.ID,
		ServerID:   "f1",
		Name:       "Inbox renamed",
		Class:      "Email",
		Selectable: true,
	}))

	fresh, err = st.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, "Inbox renamed", fresh.Name)
	require.Equal(t, imap.UID(112), fresh.LowestSynced)

	require.NoError(t, st.MarkFolderNeedsFullSync(ctx, f.ID))
	fresh, err = st.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, fresh.NeedsFullSync)
}

// TestListFoldersInboxFirst checks the inbox sorts ahead of other folders
// regardless of name order.
func TestListFoldersInboxFirst(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	for _, f := range []Folder{
		{AccountID: acct.ID, ServerID: "a", Name: "Archive",
			Class: "Email", Selectable: true},
		{AccountID: acct.ID, ServerID: "i", Name: "Inbox",
			Class: "Inbox", Selectable: true},
	} {
		require.NoError(t, st.UpsertFolder(ctx, &f))
	}

	folders, err := st.ListFolders(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	require.Equal(t, "Inbox", folders[0].Name)
}

// TestMessageWindowQueries checks the UID window scan and body bookkeeping
// the planner's kit generators rely on.
func TestMessageWindowQueries(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	f := &Folder{AccountID: acct.ID, ServerID: "f1", Name: "Inbox",
		Class: "Email", Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, f))

	for _, uid := range []imap.UID{110, 115, 120} {
		require.NoError(t, st.UpsertMessage(ctx, &Message{
			AccountID: acct.ID,
			FolderID:  f.ID,
			UID:       uid,
			Score:     float64(uid),
		}))
	}

	uids, err := st.KnownUIDsInWindow(ctx, f.ID, 112, 122)
	require.NoError(t, err)
	require.Equal(t, []imap.UID{120, 115}, uids)

	// Deleting by UID removes the row from the window.
	require.NoError(t, st.DeleteMessagesByUID(ctx, f.ID,
		[]imap.UID{115}))
	uids, err = st.KnownUIDsInWindow(ctx, f.ID, 112, 122)
	require.NoError(t, err)
	require.Equal(t, []imap.UID{120}, uids)

	// Hinted bodies outrank scored ones; fetching clears both queues.
	scored, err := st.TopScoredBodies(ctx, acct.ID, 5)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	require.Equal(t, imap.UID(120), scored[0].UID)

	require.NoError(t, st.HintBody(ctx, scored[1].ID))
	hinted, err := st.HintedBodies(ctx, acct.ID, 5)
	require.NoError(t, err)
	require.Len(t, hinted, 1)
	require.Equal(t, imap.UID(110), hinted[0].UID)

	require.NoError(t, st.MarkBodyFetched(ctx, hinted[0].ID))
	hinted, err = st.HintedBodies(ctx, acct.ID, 5)
	require.NoError(t, err)
	require.Empty(t, hinted)
}

// TestAttachmentFetchQueue checks size-capped attachment selection and the
// fetched flag.
func TestAttachmentFetchQueue(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	f := &Folder{AccountID: acct.ID, ServerID: "f1", Name: "Inbox",
		Class: "Email", Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, f))

	msg := &Message{AccountID: acct.ID, FolderID: f.ID, UID: 1}
	require.NoError(t, st.UpsertMessage(ctx, msg))

	small := &Attachment{MessageID: msg.ID, Size: 1024}
	large := &Attachment{MessageID: msg.ID, Size: 10 << 20}
	require.NoError(t, st.AddAttachment(ctx, small))
	require.NoError(t, st.AddAttachment(ctx, large))

	atts, err := st.UnfetchedAttachments(ctx, acct.ID, 1<<20, 5)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, small.ID, atts[0].ID)

	require.NoError(t, st.MarkAttachmentFetched(ctx, small.ID))
	atts, err = st.UnfetchedAttachments(ctx, acct.ID, 1<<20, 5)
	require.NoError(t, err)
	require.Empty(t, atts)
}

// TestPendingOpLifecycle walks one operation through enqueue, dispatch,
// deferral and terminal resolution.
func TestPendingOpLifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	f := &Folder{AccountID: acct.ID, ServerID: "f1", Name: "Inbox",
		Class: "Email", Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, f))

	op, err := st.EnqueuePendingOp(ctx, acct.ID, OpMailDelete, f.ID,
		[]string{"12"})
	require.NoError(t, err)
	require.NotEmpty(t, op.IdempotencyKey)

	targets, err := op.Targets()
	require.NoError(t, err)
	require.Equal(t, []string{"12"}, targets)

	got, err := st.OldestEligiblePendingOp(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)

	pending, err := st.HasPendingForFolder(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, pending)

	// Dispatch takes it off the eligible queue.
	require.NoError(t, st.MarkDispatched(ctx,
		[]PendingOperation{*op}))
	_, err = st.OldestEligiblePendingOp(ctx, acct.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Deferral puts it back, with the attempt and error recorded.
	require.NoError(t, st.ResolvePendingOp(ctx, op.ID, OpDeferred,
		"server busy"))
	got, err = st.OldestEligiblePendingOp(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, OpEligible, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "server busy", got.LastError)

	// Success deletes the record outright.
	require.NoError(t, st.ResolvePendingOp(ctx, op.ID, OpSucceeded, ""))
	_, err = st.OldestEligiblePendingOp(ctx, acct.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err = st.HasPendingForFolder(ctx, f.ID)
	require.NoError(t, err)
	require.False(t, pending)
}

// TestCoalesceBatchSameFolderKind checks deletes against one folder batch
// together while other kinds and folders stay out.
func TestCoalesceBatchSameFolderKind(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	inbox := &Folder{AccountID: acct.ID, ServerID: "f1", Name: "Inbox",
		Class: "Email", Selectable: true}
	other := &Folder{AccountID: acct.ID, ServerID: "f2", Name: "Spam",
		Class: "Email", Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, inbox))
	require.NoError(t, st.UpsertFolder(ctx, other))

	head, err := st.EnqueuePendingOp(ctx, acct.ID, OpMailDelete,
		inbox.ID, []string{"1"})
	require.NoError(t, err)
	_, err = st.EnqueuePendingOp(ctx, acct.ID, OpMailDelete, inbox.ID,
		[]string{"2"})
	require.NoError(t, err)
	_, err = st.EnqueuePendingOp(ctx, acct.ID, OpMailDelete, other.ID,
		[]string{"3"})
	require.NoError(t, err)
	_, err = st.EnqueuePendingOp(ctx, acct.ID, OpMailFlag, inbox.ID,
		[]string{"4"})
	require.NoError(t, err)

	batch, err := st.CoalesceBatch(ctx, head)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, op := range batch {
		require.Equal(t, OpMailDelete, op.Kind)
		require.Equal(t, inbox.ID, op.FolderID.Int64)
	}
}

// TestRequeueDispatched checks the control loop's failure sweep returns
// dispatched operations to the eligible queue.
func TestRequeueDispatched(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st)

	op, err := st.EnqueuePendingOp(ctx, acct.ID, OpMailSend, 0,
		[]string{"bWltZQ=="})
	require.NoError(t, err)
	require.NoError(t, st.MarkDispatched(ctx,
		[]PendingOperation{*op}))

	require.NoError(t, st.RequeueDispatched(ctx, acct.ID))

	got, err := st.OldestEligibleOfKind(ctx, acct.ID, OpMailSend)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
}
