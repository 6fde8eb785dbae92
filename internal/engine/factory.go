package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roasbeef/mailsync/internal/control"
	"github.com/roasbeef/mailsync/internal/protocol"
	"github.com/roasbeef/mailsync/internal/store"
	"github.com/roasbeef/mailsync/internal/strategy"
)

// commandFactory is the production control.CommandFactory: it binds each
// phase's protocol command to the account's data source, the shared
// transport and codec, and the controller's event space.
type commandFactory struct {
	source    *dataSource
	transport protocol.Transport
	codec     protocol.Codec
	owner     protocol.Owner

	heartbeat   time.Duration
	deviceModel string
	deviceOS    string
	timeout     time.Duration
}

// runnerCfg builds a fresh runner config. Each command gets its own
// busy-retry policy so one command's retries don't starve another's.
func (f *commandFactory) runnerCfg() protocol.RunnerConfig {
	return protocol.RunnerConfig{
		Source:    f.source,
		Transport: f.transport,
		Codec:     f.codec,
		Owner:     f.owner,
		Events:    control.Events(),
		Retry:     &serverRetryPolicy{},
		Timeout:   f.timeout,
	}
}

func (f *commandFactory) Autodiscover() (protocol.Command, error) {
	return protocol.NewAutodiscoverCommand(f.runnerCfg())
}

func (f *commandFactory) Options() (protocol.Command, error) {
	return protocol.NewOptionsCommand(f.runnerCfg()), nil
}

func (f *commandFactory) Provision() (protocol.Command, error) {
	return protocol.NewProvisionCommand(f.runnerCfg())
}

func (f *commandFactory) Settings() (protocol.Command, error) {
	return protocol.NewSettingsCommand(f.runnerCfg(), f.deviceModel,
		f.deviceOS), nil
}

func (f *commandFactory) FolderSync() (protocol.Command, error) {
	return protocol.NewFolderSyncCommand(f.runnerCfg()), nil
}

func (f *commandFactory) Ping() (protocol.Command, error) {
	return protocol.NewPingCommand(f.runnerCfg(), f.heartbeat), nil
}

func (f *commandFactory) SendMail(
	op *store.PendingOperation,
) (protocol.Command, error) {
	return protocol.NewSendMailCommand(f.runnerCfg(), op), nil
}

// ForDecision maps a planner verdict onto the protocol command that carries
// it out.
func (f *commandFactory) ForDecision(
	dec *strategy.Decision,
) (protocol.Command, error) {
	switch dec.Kind {
	case strategy.DecideSync:
		return protocol.NewSyncCommand(f.runnerCfg(), dec.Sync), nil

	case strategy.DecideFetch:
		return protocol.NewFetchCommand(f.runnerCfg(), dec.Fetch), nil

	case strategy.DecideOperation:
		return f.forOperation(dec.Batch)

	default:
		return nil, fmt.Errorf("unroutable decision kind %d", dec.Kind)
	}
}

// forOperation picks the wire command for a pending-operation batch.
func (f *commandFactory) forOperation(
	batch []store.PendingOperation,
) (protocol.Command, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty operation batch")
	}
	head := &batch[0]

	switch head.Kind {
	case store.OpMailSend:
		return protocol.NewSendMailCommand(f.runnerCfg(), head), nil

	case store.OpSearch:
		return protocol.NewSearchCommand(f.runnerCfg(), head), nil

	case store.OpFolderCreate, store.OpFolderUpdate,
		store.OpFolderDelete:

		return protocol.NewFolderOpCommand(f.runnerCfg(), head), nil

	case store.OpMailMove:
		serverID, err := f.folderServerID(head)
		if err != nil {
			return nil, err
		}

		return protocol.NewMoveItemsCommand(f.runnerCfg(), serverID,
			batch), nil

	case store.OpMailDelete, store.OpMailMarkRead, store.OpMailFlag:
		// Flag-style mutations ride a sync pass as uploads against
		// their folder.
		kit, err := f.uploadKit(batch)
		if err != nil {
			return nil, err
		}

		return protocol.NewSyncCommand(f.runnerCfg(), kit), nil

	default:
		return nil, fmt.Errorf("unroutable operation kind %s",
			head.Kind)
	}
}

// uploadKit builds an upload-only sync kit: no item window, watermarks
// unchanged, just the batch riding along.
func (f *commandFactory) uploadKit(
	batch []store.PendingOperation,
) (*strategy.SyncKit, error) {
	head := &batch[0]
	if !head.FolderID.Valid {
		return nil, fmt.Errorf("operation %d has no folder", head.ID)
	}

	folder, err := f.source.Store().GetFolder(
		context.Background(), head.FolderID.Int64,
	)
	if err != nil {
		return nil, err
	}

	return &strategy.SyncKit{
		FolderID: folder.ID,
		ServerID: folder.ServerID,
		Method:   strategy.MethodSync,
		Lowest:   folder.LowestSynced,
		Highest:  folder.HighestSynced,
		Rung:     folder.SyncRung,
		Uploads:  batch,
	}, nil
}

func (f *commandFactory) folderServerID(
	op *store.PendingOperation,
) (string, error) {
	if !op.FolderID.Valid {
		return "", fmt.Errorf("operation %d has no folder", op.ID)
	}

	folder, err := f.source.Store().GetFolder(
		context.Background(), op.FolderID.Int64,
	)
	if err != nil {
		return "", err
	}

	return folder.ServerID, nil
}
