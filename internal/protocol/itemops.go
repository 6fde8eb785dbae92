package protocol

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// MoveItemsCommand replays a batch of pending move operations against the
// server. The batch is same-kind, same-folder, as coalesced by the store;
// each target is "uid>dstServerID".
type MoveItemsCommand struct {
	cmdBase

	srcServerID string
	batch       []store.PendingOperation
}

// NewMoveItemsCommand builds a batched move round trip.
func NewMoveItemsCommand(cfg RunnerConfig, srcServerID string,
	batch []store.PendingOperation,
) *MoveItemsCommand {
	cfg.Name = "MoveItems"

	c := &MoveItemsCommand{srcServerID: srcServerID, batch: batch}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *MoveItemsCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *MoveItemsCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "MoveItems")
	if err != nil {
		return nil, err
	}

	doc := NewDocument("MoveItems")
	for i := range c.batch {
		targets, err := c.batch[i].Targets()
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			uid, dst, ok := strings.Cut(t, ">")
			if !ok {
				continue
			}
			doc.Add(NewDocument("Move")).
				Set("SrcMsgId", uid).
				Set("SrcFldId", c.srcServerID).
				Set("DstFldId", dst)
		}
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate: on success every operation in the
// batch resolves in one shot.
func (c *MoveItemsCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	st := c.runner.cfg.Source.Store()
	for i := range c.batch {
		err := st.ResolvePendingOp(ctx, c.batch[i].ID,
			store.OpSucceeded, "")
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	return statemachine.EvSuccess, nil
}

// CancelCleanup implements Delegate: the whole batch re-enters the queue.
func (c *MoveItemsCommand) CancelCleanup() {
	requeueBatch(c.runner, c.batch, "moveitems")
}

// FolderOpCommand replays one pending folder mutation (create, rename or
// delete) against the server. The response carries a fresh folder sync key,
// which is persisted so the next hierarchy sync does not replay the change.
type FolderOpCommand struct {
	cmdBase

	op *store.PendingOperation
}

// NewFolderOpCommand builds a folder-mutation round trip.
func NewFolderOpCommand(cfg RunnerConfig,
	op *store.PendingOperation,
) *FolderOpCommand {
	cfg.Name = "FolderOp"

	c := &FolderOpCommand{op: op}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *FolderOpCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// wireName maps the pending-op kind to the wire command.
func (c *FolderOpCommand) wireName() string {
	switch c.op.Kind {
	case store.OpFolderCreate:
		return "FolderCreate"
	case store.OpFolderUpdate:
		return "FolderUpdate"
	default:
		return "FolderDelete"
	}
}

// MakeRequest implements Delegate. Target layout: create sends the display
// name, update sends "serverID>newName", delete sends the server id.
func (c *FolderOpCommand) MakeRequest(ctx context.Context) (*Request, error) {
	name := c.wireName()
	req, err := buildRequest(ctx, &c.runner.cfg, name)
	if err != nil {
		return nil, err
	}

	acctID := c.runner.cfg.Source.AccountID()
	state, err := c.runner.cfg.Source.Store().GetProtocolState(ctx, acctID)
	if err != nil {
		return nil, err
	}

	targets, err := c.op.Targets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	doc := NewDocument(name).Set("SyncKey", state.FolderSyncKey)
	switch c.op.Kind {
	case store.OpFolderCreate:
		doc.Set("DisplayName", targets[0])
	case store.OpFolderUpdate:
		serverID, newName, _ := strings.Cut(targets[0], ">")
		doc.Set("ServerId", serverID).Set("DisplayName", newName)
	default:
		doc.Set("ServerId", targets[0])
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate.
func (c *FolderOpCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	st := c.runner.cfg.Source.Store()

	if key := doc.Attr("SyncKey"); key != "" {
		err := st.UpdateFolderSyncKey(ctx, acctID, key, time.Now())
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	err := st.ResolvePendingOp(ctx, c.op.ID, store.OpSucceeded, "")
	if err != nil {
		return statemachine.EvTempFail, err
	}

	return statemachine.EvSuccess, nil
}

// CancelCleanup implements Delegate.
func (c *FolderOpCommand) CancelCleanup() {
	requeueBatch(c.runner, []store.PendingOperation{*c.op}, "folderop")
}

// SearchCommand runs a user-initiated server-side search. Hits are upserted
// as hinted messages so the next fetch pass pulls their bodies first.
type SearchCommand struct {
	cmdBase

	op *store.PendingOperation
}

// NewSearchCommand builds a search round trip for one pending search op.
func NewSearchCommand(cfg RunnerConfig,
	op *store.PendingOperation,
) *SearchCommand {
	cfg.Name = "Search"

	c := &SearchCommand{op: op}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *SearchCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *SearchCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "Search")
	if err != nil {
		return nil, err
	}

	targets, err := c.op.Targets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	doc := NewDocument("Search").Set("Query", targets[0])
	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate.
func (c *SearchCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	st := c.runner.cfg.Source.Store()

	for _, hit := range doc.ChildrenNamed("Result") {
		folderID, err := strconv.ParseInt(hit.Attr("FolderId"), 10, 64)
		if err != nil {
			continue
		}
		uid, err := strconv.ParseUint(hit.Attr("Uid"), 10, 32)
		if err != nil {
			continue
		}

		msg := &store.Message{
			AccountID:  acctID,
			FolderID:   folderID,
			UID:        imap.UID(uid),
			Flags:      hit.Attr("Flags"),
			Hinted:     true,
			ReceivedAt: parseUnix(hit.Attr("Received")),
		}
		if err := st.UpsertMessage(ctx, msg); err != nil {
			return statemachine.EvTempFail, err
		}
	}

	err := st.ResolvePendingOp(ctx, c.op.ID, store.OpSucceeded, "")
	if err != nil {
		return statemachine.EvTempFail, err
	}

	return statemachine.EvSuccess, nil
}

// CancelCleanup implements Delegate.
func (c *SearchCommand) CancelCleanup() {
	requeueBatch(c.runner, []store.PendingOperation{*c.op}, "search")
}

// requeueBatch pushes dispatched operations back to the eligible queue after
// a cancelled or failed round trip.
func requeueBatch(r *Runner, batch []store.PendingOperation, tag string) {
	ctx := context.Background()
	st := r.cfg.Source.Store()

	for i := range batch {
		err := st.ResolvePendingOp(ctx, batch[i].ID, store.OpDeferred,
			"cancelled")
		if err != nil {
			log.Errorf("%s: requeue op %d: %v", tag, batch[i].ID,
				err)
		}
	}
}

// parseUnix parses a unix-seconds attribute, returning 0 on garbage.
func parseUnix(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}

	return v
}
