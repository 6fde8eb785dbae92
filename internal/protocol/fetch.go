package protocol

import (
	"context"
	"strconv"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// FetchCommand executes one planner-issued fetch kit: a bounded batch of
// message bodies and attachments, downloaded in kit order.
type FetchCommand struct {
	cmdBase

	kit *strategy.FetchKit
}

// NewFetchCommand builds a fetch round trip from a planner kit.
func NewFetchCommand(cfg RunnerConfig, kit *strategy.FetchKit) *FetchCommand {
	cfg.Name = "Fetch"

	c := &FetchCommand{kit: kit}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *FetchCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *FetchCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "ItemOperations")
	if err != nil {
		return nil, err
	}

	doc := NewDocument("ItemOperations")
	for _, b := range c.kit.Bodies {
		el := doc.Add(NewDocument("Fetch")).
			Set("CollectionId", b.FolderServerID).
			Set("Uid", strconv.FormatUint(uint64(b.UID), 10))
		if b.PartsOnly {
			el.Set("BodyPreference", "text")
		}
	}
	for _, a := range c.kit.Attachments {
		doc.Add(NewDocument("Attachment")).
			Set("AttachmentId",
				strconv.FormatInt(a.AttachmentID, 10))
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate: fetched items are marked done and any
// user-demand operations satisfied by this batch resolve.
func (c *FetchCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	st := c.runner.cfg.Source.Store()

	for _, b := range c.kit.Bodies {
		if err := st.MarkBodyFetched(ctx, b.MessageID); err != nil {
			return statemachine.EvTempFail, err
		}
	}
	for _, a := range c.kit.Attachments {
		err := st.MarkAttachmentFetched(ctx, a.AttachmentID)
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	for _, opID := range c.kit.PendingIDs {
		err := st.ResolvePendingOp(ctx, opID, store.OpSucceeded, "")
		if err != nil {
			return statemachine.EvTempFail, err
		}
	}

	return statemachine.EvSuccess, nil
}

// CancelCleanup implements Delegate: user-demand operations behind this
// fetch go back in the queue.
func (c *FetchCommand) CancelCleanup() {
	ctx := context.Background()
	st := c.runner.cfg.Source.Store()

	for _, opID := range c.kit.PendingIDs {
		err := st.ResolvePendingOp(ctx, opID, store.OpDeferred,
			"cancelled")
		if err != nil {
			log.Errorf("fetch: requeue op %d: %v", opID, err)
		}
	}
}
