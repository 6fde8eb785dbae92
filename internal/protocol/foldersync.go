package protocol

import (
	"context"
	"time"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// FolderSyncCommand pulls the folder hierarchy delta: new, renamed and
// removed folders since the last folder sync key.
type FolderSyncCommand struct {
	cmdBase
}

// NewFolderSyncCommand builds a folder-hierarchy sync round trip.
func NewFolderSyncCommand(cfg RunnerConfig) *FolderSyncCommand {
	cfg.Name = "FolderSync"

	c := &FolderSyncCommand{}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *FolderSyncCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate. A never-synced account sends the initial
// key "0", which asks the server for the full hierarchy.
func (c *FolderSyncCommand) MakeRequest(
	ctx context.Context,
) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "FolderSync")
	if err != nil {
		return nil, err
	}

	acctID := c.runner.cfg.Source.AccountID()
	state, err := c.runner.cfg.Source.Store().GetProtocolState(ctx, acctID)
	if err != nil {
		return nil, err
	}

	key := state.FolderSyncKey
	if key == "" {
		key = "0"
	}

	doc := NewDocument("FolderSync").Set("SyncKey", key)
	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate: applies the hierarchy delta and
// persists the advanced sync key.
func (c *FolderSyncCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil {
		return statemachine.EvHardFail, nil
	}

	// An unmapped non-OK status on a folder sync is almost always a stale
	// sync key; redoing the sync phase resets it.
	if doc.Status != StatusOK {
		log.Warnf("foldersync: status %d, redoing sync phase",
			doc.Status)
		return c.runner.cfg.Events.ReSync, nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	st := c.runner.cfg.Source.Store()

	changes := doc.Child("Changes")
	if changes != nil {
		if err := c.applyChanges(ctx, acctID, changes); err != nil {
			return statemachine.EvTempFail, err
		}
	}

	newKey := doc.Attr("SyncKey")
	if newKey == "" {
		return statemachine.EvHardFail, nil
	}

	err := st.UpdateFolderSyncKey(ctx, acctID, newKey, time.Now())
	if err != nil {
		return statemachine.EvTempFail, err
	}

	return statemachine.EvSuccess, nil
}

// applyChanges mirrors the server's hierarchy delta into the folder table.
func (c *FolderSyncCommand) applyChanges(ctx context.Context, acctID int64,
	changes *Document,
) error {
	st := c.runner.cfg.Source.Store()

	for _, name := range []string{"Add", "Update"} {
		for _, el := range changes.ChildrenNamed(name) {
			f := &store.Folder{
				AccountID:  acctID,
				ServerID:   el.Attr("ServerId"),
				Name:       el.Attr("DisplayName"),
				Class:      el.Attr("Class"),
				Selectable: el.Attr("Selectable") != "0",
			}
			if err := st.UpsertFolder(ctx, f); err != nil {
				return err
			}
		}
	}

	for _, el := range changes.ChildrenNamed("Delete") {
		serverID := el.Attr("ServerId")
		if err := st.DeleteFolder(ctx, acctID, serverID); err != nil {
			return err
		}
	}

	return nil
}
