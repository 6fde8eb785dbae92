package protocol

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// scriptedTransport replies with a fixed sequence of canned outcomes, one
// per round trip.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []func(req *Request) (*Response, error)
	reqs  []*Request
}

func (s *scriptedTransport) RoundTrip(_ context.Context,
	req *Request,
) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, req)
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("%w: no scripted step", ErrNetwork)
	}

	step := s.steps[0]
	s.steps = s.steps[1:]

	return step(req)
}

// docResponse wraps a document in a structured 200 response.
func docResponse(t *testing.T, doc *Document) *Response {
	t.Helper()

	body, err := JSONCodec{}.Encode(doc)
	require.NoError(t, err)

	return &Response{
		StatusCode:  200,
		Body:        body,
		ContentType: JSONCodec{}.ContentType(),
	}
}

func respond(resp *Response) func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		return resp, nil
	}
}

func failNetwork() func(*Request) (*Response, error) {
	return func(*Request) (*Response, error) {
		return nil, fmt.Errorf("%w: connect refused", ErrNetwork)
	}
}

func newCmdCfg(t *testing.T, tr Transport) (RunnerConfig, *store.Store,
	int64,
) {
	t.Helper()

	st, acctID := newTestStore(t)
	cfg := newTestCfg(tr, &fakeOwner{}, st)
	cfg.Source = &fakeSource{acctID: acctID, st: st}

	return cfg, st, acctID
}

// TestProvisionHandshake drives the two-phase provisioning machine to
// completion and checks the final policy key sticks.
func TestProvisionHandshake(t *testing.T) {
	t.Parallel()

	getDoc := NewDocument("Provision")
	getDoc.Status = StatusOK
	getDoc.Add(NewDocument("Policy")).Set("PolicyKey", "tmp-1428")

	ackDoc := NewDocument("Provision")
	ackDoc.Status = StatusOK
	ackDoc.Add(NewDocument("Policy")).Set("PolicyKey", "final-3141")

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(docResponse(t, getDoc)),
		respond(docResponse(t, ackDoc)),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	cmd, err := NewProvisionCommand(cfg)
	require.NoError(t, err)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvSuccess)

	state, err := st.GetProtocolState(context.Background(), acctID)
	require.NoError(t, err)
	require.Equal(t, "final-3141", state.PolicyKey)
}

// TestProvisionGetFailure checks that a hard failure in the fetch phase
// reports exactly one terminal event and never reaches the ack phase.
func TestProvisionGetFailure(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(&Response{StatusCode: 400}),
	}}

	cfg, _, _ := newCmdCfg(t, tr)

	cmd, err := NewProvisionCommand(cfg)
	require.NoError(t, err)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvHardFail)
	requireNoEvent(t, ch)
}

// TestAutodiscoverProbeLadder checks that a dead first candidate advances to
// the next one, and the winner is persisted.
func TestAutodiscoverProbeLadder(t *testing.T) {
	t.Parallel()

	okDoc := NewDocument("Autodiscover")
	okDoc.Status = StatusOK

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		failNetwork(),
		respond(docResponse(t, okDoc)),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	cmd, err := NewAutodiscoverCommand(cfg)
	require.NoError(t, err)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvSuccess)

	ep, err := st.GetEndpoint(context.Background(), acctID)
	require.NoError(t, err)
	require.Equal(t, "autodiscover.example.test", ep.Host)
}

// TestAutodiscoverExhausted checks that burning through every candidate asks
// for manual server configuration instead of failing hard.
func TestAutodiscoverExhausted(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		failNetwork(), failNetwork(), failNetwork(),
	}}

	cfg, _, _ := newCmdCfg(t, tr)

	cmd, err := NewAutodiscoverCommand(cfg)
	require.NoError(t, err)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, evServConf)
	requireNoEvent(t, ch)
}

// TestAutodiscoverAuthRejection checks that an auth error during discovery
// is a hard failure, not a candidate advance.
func TestAutodiscoverAuthRejection(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(&Response{StatusCode: 401}),
	}}

	cfg, _, _ := newCmdCfg(t, tr)

	cmd, err := NewAutodiscoverCommand(cfg)
	require.NoError(t, err)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvHardFail)
}

// TestOptionsNegotiatesVersion checks that the newest advertised version is
// persisted.
func TestOptionsNegotiatesVersion(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(&Response{
			StatusCode: 200,
			Headers:    header(HdrProtoVersions, "12.1,14.0,14.1"),
		}),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	cmd := NewOptionsCommand(cfg)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvSuccess)

	state, err := st.GetProtocolState(context.Background(), acctID)
	require.NoError(t, err)
	require.Equal(t, "14.1", state.ProtoVersion)
}

// TestFolderSyncAppliesDelta checks the hierarchy delta lands in the folder
// table and the sync key advances.
func TestFolderSyncAppliesDelta(t *testing.T) {
	t.Parallel()

	doc := NewDocument("FolderSync").Set("SyncKey", "2")
	doc.Status = StatusOK
	changes := doc.Add(NewDocument("Changes"))
	changes.Add(NewDocument("Add")).
		Set("ServerId", "f-inbox").
		Set("DisplayName", "Inbox").
		Set("Class", "Inbox").
		Set("Selectable", "1")
	changes.Add(NewDocument("Add")).
		Set("ServerId", "f-archive").
		Set("DisplayName", "Archive").
		Set("Class", "Mail").
		Set("Selectable", "1")

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(docResponse(t, doc)),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	cmd := NewFolderSyncCommand(cfg)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvSuccess)

	ctx := context.Background()
	folders, err := st.ListFolders(ctx, acctID)
	require.NoError(t, err)
	require.Len(t, folders, 2)

	// Inbox class sorts first.
	require.Equal(t, "f-inbox", folders[0].ServerID)
	require.Equal(t, store.NeverSynced, folders[0].LowestSynced)

	state, err := st.GetProtocolState(ctx, acctID)
	require.NoError(t, err)
	require.Equal(t, "2", state.FolderSyncKey)
}

// TestSyncAppliesKit checks that a sync pass mirrors the item delta and
// advances the watermarks to the kit's targets.
func TestSyncAppliesKit(t *testing.T) {
	t.Parallel()

	cfgDoc := NewDocument("Sync")
	cfgDoc.Status = StatusOK
	coll := cfgDoc.Add(NewDocument("Collection")).
		Set("CollectionId", "f-inbox").
		Set("UidNext", "123")
	cmds := coll.Add(NewDocument("Commands"))
	for _, uid := range []int{120, 121, 122} {
		cmds.Add(NewDocument("Add")).
			Set("Uid", strconv.Itoa(uid)).
			Set("Flags", "\\Seen").
			Set("Received", "1700000000")
	}
	cmds.Add(NewDocument("Delete")).Set("Uid", "115")

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(docResponse(t, cfgDoc)),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	ctx := context.Background()
	folder := &store.Folder{
		AccountID: acctID, ServerID: "f-inbox", Name: "Inbox",
		Class: "Inbox", Selectable: true,
	}
	require.NoError(t, st.UpsertFolder(ctx, folder))

	seed := &store.Message{
		AccountID: acctID, FolderID: folder.ID, UID: 115,
	}
	require.NoError(t, st.UpsertMessage(ctx, seed))

	var uids imap.UIDSet
	uids.AddRange(112, 122)

	kit := &strategy.SyncKit{
		FolderID: folder.ID,
		ServerID: "f-inbox",
		Method:   strategy.MethodSync,
		UIDs:     uids,
		Lowest:   112,
		Highest:  122,
		Rung:     1,
	}

	cmd := NewSyncCommand(cfg, kit)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, statemachine.EvSuccess)

	got, err := st.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.Equal(t, imap.UID(112), got.LowestSynced)
	require.Equal(t, imap.UID(122), got.HighestSynced)
	require.Equal(t, imap.UID(123), got.UIDNext)
	require.Equal(t, 1, got.SyncRung)

	known, err := st.KnownUIDsInWindow(ctx, folder.ID, 1, 200)
	require.NoError(t, err)
	require.Equal(t, []imap.UID{122, 121, 120}, known)
}

// TestSendMailEmptyTargets checks a send whose targets were resolved away
// fails Execute with a sentinel instead of launching a nil round trip.
func TestSendMailEmptyTargets(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{}
	cfg, st, acctID := newCmdCfg(t, tr)

	ctx := context.Background()
	op, err := st.EnqueuePendingOp(ctx, acctID, store.OpMailSend, 0, nil)
	require.NoError(t, err)

	cmd := NewSendMailCommand(cfg, op)

	m, ch := newRecorder(t)
	err = cmd.Execute(m)
	require.ErrorIs(t, err, ErrNoTargets)

	requireNoEvent(t, ch)
	require.Empty(t, tr.reqs)
}

// TestPingChangeFlagsFolders checks that a change-reporting ping marks the
// named folders stale and redoes the sync phase.
func TestPingChangeFlagsFolders(t *testing.T) {
	t.Parallel()

	doc := NewDocument("Ping")
	doc.Status = pingStatusChanges
	doc.Add(NewDocument("Folders")).
		Add(NewDocument("Folder")).Set("Id", "f-inbox")

	tr := &scriptedTransport{steps: []func(*Request) (*Response, error){
		respond(docResponse(t, doc)),
	}}

	cfg, st, acctID := newCmdCfg(t, tr)

	ctx := context.Background()
	folder := &store.Folder{
		AccountID: acctID, ServerID: "f-inbox", Name: "Inbox",
		Class: "Inbox", Selectable: true,
	}
	require.NoError(t, st.UpsertFolder(ctx, folder))

	cmd := NewPingCommand(cfg, 100*time.Millisecond)

	m, ch := newRecorder(t)
	require.NoError(t, cmd.Execute(m))

	waitEvent(t, ch, evReSync)

	got, err := st.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsFullSync)
}
