package protocol

import (
	"context"
	"strconv"
	"time"

	"github.com/roasbeef/mailsync/internal/statemachine"
)

// Ping-specific document statuses.
const (
	// pingStatusExpired means the heartbeat elapsed with no changes; the
	// normal idle outcome.
	pingStatusExpired = 1

	// pingStatusChanges means at least one watched folder changed.
	pingStatusChanges = 2

	// pingStatusBadParams means the server rejected the heartbeat or
	// folder list.
	pingStatusBadParams = 5
)

// DefaultHeartbeat is the long-poll interval requested when the caller does
// not override it.
const DefaultHeartbeat = 8 * time.Minute

// PingCommand is the idle long poll: it parks a request on the server for up
// to the heartbeat interval and reports which folders changed.
type PingCommand struct {
	cmdBase

	// Heartbeat is the requested long-poll interval; zero means
	// DefaultHeartbeat.
	Heartbeat time.Duration
}

// NewPingCommand builds an idle long poll over the account's folders.
func NewPingCommand(cfg RunnerConfig, heartbeat time.Duration) *PingCommand {
	cfg.Name = "Ping"

	// The transport timeout must outlast the heartbeat or every ping
	// degrades into a transport timeout.
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	if cfg.Timeout < heartbeat {
		cfg.Timeout = heartbeat + 30*time.Second
	}

	c := &PingCommand{Heartbeat: heartbeat}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *PingCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate: the request lists every selectable folder
// so a change anywhere wakes the account.
func (c *PingCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "Ping")
	if err != nil {
		return nil, err
	}
	req.Timeout = c.runner.cfg.Timeout

	acctID := c.runner.cfg.Source.AccountID()
	folders, err := c.runner.cfg.Source.Store().ListFolders(ctx, acctID)
	if err != nil {
		return nil, err
	}

	secs := int(c.Heartbeat / time.Second)
	doc := NewDocument("Ping").
		Set("HeartbeatInterval", strconv.Itoa(secs))

	list := doc.Add(NewDocument("Folders"))
	for _, f := range folders {
		if !f.Selectable {
			continue
		}
		list.Add(NewDocument("Folder")).Set("Id", f.ServerID)
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate. A changes response flags the named
// folders stale and asks the control loop to redo the sync phase, which
// routes the planner straight at them.
func (c *PingCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil {
		return statemachine.EvHardFail, nil
	}

	switch doc.Status {
	case pingStatusExpired:
		return statemachine.EvSuccess, nil

	case pingStatusChanges:
		if err := c.flagChanged(ctx, doc); err != nil {
			return statemachine.EvTempFail, err
		}

		return c.runner.cfg.Events.ReSync, nil

	case pingStatusBadParams:
		return statemachine.EvTempFail, nil

	default:
		return statemachine.EvHardFail, nil
	}
}

// flagChanged marks the folders the server reported as changed so the next
// planner pass examines them first.
func (c *PingCommand) flagChanged(ctx context.Context, doc *Document) error {
	changed := doc.Child("Folders")
	if changed == nil {
		return nil
	}

	ids := make(map[string]struct{})
	for _, el := range changed.ChildrenNamed("Folder") {
		ids[el.Attr("Id")] = struct{}{}
	}

	acctID := c.runner.cfg.Source.AccountID()
	st := c.runner.cfg.Source.Store()

	folders, err := st.ListFolders(ctx, acctID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if _, ok := ids[f.ServerID]; !ok {
			continue
		}
		if err := st.MarkFolderNeedsFullSync(ctx, f.ID); err != nil {
			return err
		}
	}

	return nil
}
