package protocol

import (
	"context"
	"encoding/base64"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// SendMailCommand uploads one outbound message. The raw MIME lives in the
// pending operation's target list, so a crash between enqueue and dispatch
// loses nothing, and the idempotency key keeps a replay from double-sending.
type SendMailCommand struct {
	cmdBase

	op *store.PendingOperation
}

// NewSendMailCommand builds an outbound-mail round trip for one pending send
// operation.
func NewSendMailCommand(cfg RunnerConfig,
	op *store.PendingOperation,
) *SendMailCommand {
	cfg.Name = "SendMail"

	c := &SendMailCommand{op: op}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *SendMailCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *SendMailCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "SendMail")
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

	doc := NewDocument("SendMail").
		Set("ClientId", c.op.IdempotencyKey).
		Set("Mime", base64.StdEncoding.EncodeToString([]byte(targets[0])))

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate. Many servers acknowledge a send with
// an empty 200, so a nil doc here is success too.
func (c *SendMailCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc != nil && doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	st := c.runner.cfg.Source.Store()
	err := st.ResolvePendingOp(ctx, c.op.ID, store.OpSucceeded, "")
	if err != nil {
		return statemachine.EvTempFail, err
	}

	return statemachine.EvSuccess, nil
}

// CancelCleanup implements Delegate: an aborted send goes back in the queue.
func (c *SendMailCommand) CancelCleanup() {
	ctx := context.Background()
	st := c.runner.cfg.Source.Store()

	err := st.ResolvePendingOp(ctx, c.op.ID, store.OpDeferred, "cancelled")
	if err != nil {
		log.Errorf("sendmail: requeue op %d: %v", c.op.ID, err)
	}
}
