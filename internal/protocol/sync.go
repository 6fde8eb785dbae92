package protocol

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// SyncCommand executes one planner-issued sync kit against a single folder:
// it transfers the kit's UID window, piggybacks any pending uploads, mirrors
// the server's adds and deletes into the store, and advances the folder
// watermarks only once the whole pass succeeds.
type SyncCommand struct {
	cmdBase

	kit *strategy.SyncKit
}

// NewSyncCommand builds a sync round trip from a planner kit.
func NewSyncCommand(cfg RunnerConfig, kit *strategy.SyncKit) *SyncCommand {
	cfg.Name = "Sync"

	c := &SyncCommand{kit: kit}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *SyncCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *SyncCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "Sync")
	if err != nil {
		return nil, err
	}

	doc := NewDocument("Sync")
	coll := doc.Add(NewDocument("Collection")).
		Set("CollectionId", c.kit.ServerID)

	if c.kit.Method == strategy.MethodOpenOnly {
		coll.Set("GetChanges", "0")
	} else {
		coll.Set("GetChanges", "1").
			Set("Uids", c.kit.UIDs.String())
	}

	if len(c.kit.Uploads) > 0 {
		cmds := coll.Add(NewDocument("Commands"))
		for i := range c.kit.Uploads {
			op := &c.kit.Uploads[i]
			targets, err := op.Targets()
			if err != nil {
				return nil, err
			}
			cmds.Add(NewDocument(string(op.Kind))).
				Set("ClientId", op.IdempotencyKey).
				Set("Targets", strings.Join(targets, ","))
		}
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate.
func (c *SyncCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil {
		return statemachine.EvHardFail, nil
	}
	if doc.Status != StatusOK {
		// Unmapped non-OK on a sync means the item sync keys are out
		// of step; redo the sync phase from folder sync.
		log.Warnf("sync: folder %d status %d, redoing sync phase",
			c.kit.FolderID, doc.Status)
		return c.runner.cfg.Events.ReSync, nil
	}

	coll := doc.Child("Collection")
	if coll == nil {
		return statemachine.EvHardFail, nil
	}

	if err := c.applyItems(ctx, coll); err != nil {
		return statemachine.EvTempFail, err
	}

	st := c.runner.cfg.Source.Store()
	now := time.Now()

	if raw := coll.Attr("UidNext"); raw != "" {
		uidNext, err := strconv.ParseUint(raw, 10, 32)
		if err == nil {
			err = st.UpdateFolderExamine(ctx, c.kit.FolderID,
				imap.UID(uidNext), now)
			if err != nil {
				return statemachine.EvTempFail, err
			}
		}
	}

	if c.kit.Method != strategy.MethodOpenOnly {
		err := st.UpdateFolderWatermarks(ctx, c.kit.FolderID,
			c.kit.Lowest, c.kit.Highest, c.kit.Rung, now)
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	for i := range c.kit.Uploads {
		err := st.ResolvePendingOp(ctx, c.kit.Uploads[i].ID,
			store.OpSucceeded, "")
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	return statemachine.EvSuccess, nil
}

// applyItems mirrors the server's item delta into the message table.
func (c *SyncCommand) applyItems(ctx context.Context, coll *Document) error {
	cmds := coll.Child("Commands")
	if cmds == nil {
		return nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	st := c.runner.cfg.Source.Store()

	for _, name := range []string{"Add", "Change"} {
		for _, el := range cmds.ChildrenNamed(name) {
			if err := c.applyItem(ctx, acctID, st, el); err != nil {
				return err
			}
		}
	}

	var gone []imap.UID
	for _, el := range cmds.ChildrenNamed("Delete") {
		uid, err := strconv.ParseUint(el.Attr("Uid"), 10, 32)
		if err != nil {
			continue
		}
		gone = append(gone, imap.UID(uid))
	}
	if len(gone) > 0 {
		err := st.DeleteMessagesByUID(ctx, c.kit.FolderID, gone)
		if err != nil {
			return err
		}
	}

	return nil
}

// applyItem upserts one added or changed message plus its attachment
// metadata.
func (c *SyncCommand) applyItem(ctx context.Context, acctID int64,
	st *store.Store, el *Document,
) error {
	uid, err := strconv.ParseUint(el.Attr("Uid"), 10, 32)
	if err != nil {
		// An item without a parseable identifier can't be tracked;
		// skip it rather than failing the whole pass.
		log.Warnf("sync: folder %d: unparseable uid %q",
			c.kit.FolderID, el.Attr("Uid"))
		return nil
	}

	partCount, _ := strconv.Atoi(el.Attr("PartCount"))
	score, _ := strconv.ParseFloat(el.Attr("Score"), 64)

	msg := &store.Message{
		AccountID:  acctID,
		FolderID:   c.kit.FolderID,
		UID:        imap.UID(uid),
		Flags:      el.Attr("Flags"),
		Score:      score,
		Hinted:     el.Attr("Hinted") == "1",
		PartCount:  partCount,
		ReceivedAt: parseUnix(el.Attr("Received")),
	}
	if err := st.UpsertMessage(ctx, msg); err != nil {
		return err
	}

	for _, att := range el.ChildrenNamed("Attachment") {
		size, err := strconv.ParseInt(att.Attr("Size"), 10, 64)
		if err != nil {
			continue
		}
		rec := &store.Attachment{MessageID: msg.ID, Size: size}
		if err := st.AddAttachment(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

// CancelCleanup implements Delegate: the attempt is stamped so the planner's
// ordering stays honest, and any piggybacked uploads re-enter the queue.
func (c *SyncCommand) CancelCleanup() {
	ctx := context.Background()
	st := c.runner.cfg.Source.Store()

	err := st.TouchFolderSyncAttempt(ctx, c.kit.FolderID, time.Now())
	if err != nil {
		log.Errorf("sync: touch folder %d: %v", c.kit.FolderID, err)
	}

	requeueBatch(c.runner, c.kit.Uploads, "sync")
}
