package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// OpKind identifies the kind of a pending operation.
type OpKind string

const (
	// User-initiated demand kinds, served ahead of everything else while
	// the app is foregrounded.
	OpSearch      OpKind = "search"
	OpSyncReq     OpKind = "sync"
	OpBodyFetch   OpKind = "body_fetch"
	OpAttachFetch OpKind = "attachment_fetch"

	// Mutation kinds replayed against the server.
	OpFolderCreate OpKind = "folder_create"
	OpFolderUpdate OpKind = "folder_update"
	OpFolderDelete OpKind = "folder_delete"
	OpMailDelete   OpKind = "mail_delete"
	OpMailMove     OpKind = "mail_move"
	OpMailMarkRead OpKind = "mail_mark_read"
	OpMailFlag     OpKind = "mail_flag"
	OpMailSend     OpKind = "mail_send"
)

// batchable reports whether same-kind operations on the same folder can be
// coalesced into one wire request.
func (k OpKind) batchable() bool {
	return k == OpMailDelete || k == OpMailMove
}

// OpState is the lifecycle state of a pending operation.
type OpState string

const (
	// OpEligible means the operation is waiting to be dispatched.
	OpEligible OpState = "eligible"

	// OpDispatched means a command currently owns the operation for one
	// server round trip.
	OpDispatched OpState = "dispatched"

	// OpDeferred means the last attempt failed transiently; the
	// operation re-enters the queue after a delay.
	OpDeferred OpState = "deferred"

	// OpFailed and OpSucceeded are terminal.
	OpFailed    OpState = "failed"
	OpSucceeded OpState = "succeeded"
)

// PendingOperation is a persisted record of a local mutation (or user
// demand) not yet acknowledged by the server. The per-account control loop
// owns the record; a command merely borrows it for one request.
type PendingOperation struct {
	ID             int64         `db:"id"`
	AccountID      int64         `db:"account_id"`
	IdempotencyKey string        `db:"idempotency_key"`
	Kind           OpKind        `db:"kind"`
	FolderID       sql.NullInt64 `db:"folder_id"`
	TargetsJSON    string        `db:"targets_json"`
	Dispatched     bool          `db:"dispatched"`
	State          OpState       `db:"state"`
	Attempts       int           `db:"attempts"`
	LastError      string        `db:"last_error"`
	CreatedAt      int64         `db:"created_at"`
}

// Targets decodes the operation's target identifier list.
func (p *PendingOperation) Targets() ([]string, error) {
	var targets []string
	if err := json.Unmarshal([]byte(p.TargetsJSON), &targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}

	return targets, nil
}

// EnqueuePendingOp records a new eligible pending operation with a fresh
// idempotency key.
func (s *Store) EnqueuePendingOp(ctx context.Context, accountID int64,
	kind OpKind, folderID int64, targets []string,
) (*PendingOperation, error) {
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}

	op := &PendingOperation{
		AccountID:      accountID,
		IdempotencyKey: uuid.NewString(),
		Kind:           kind,
		TargetsJSON:    string(targetsJSON),
		State:          OpEligible,
		CreatedAt:      time.Now().Unix(),
	}
	if folderID != 0 {
		op.FolderID = sql.NullInt64{Int64: folderID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_operations (account_id, idempotency_key,
                        kind, folder_id, targets_json, state, created_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.AccountID, op.IdempotencyKey, op.Kind, op.FolderID,
		op.TargetsJSON, op.State, op.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return op, nil
}

// OldestEligiblePendingOp returns the oldest eligible operation of any kind
// for the account, or ErrNotFound.
func (s *Store) OldestEligiblePendingOp(ctx context.Context,
	accountID int64,
) (*PendingOperation, error) {
	var op PendingOperation
	err := s.db.GetContext(ctx, &op,
		`SELECT * FROM pending_operations
                 WHERE account_id = ? AND state = ?
                 ORDER BY created_at, id LIMIT 1`,
		accountID, OpEligible,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &op, nil
}

// OldestEligibleOfKind returns the oldest eligible operation of a specific
// kind, or ErrNotFound.
func (s *Store) OldestEligibleOfKind(ctx context.Context, accountID int64,
	kind OpKind,
) (*PendingOperation, error) {
	var op PendingOperation
	err := s.db.GetContext(ctx, &op,
		`SELECT * FROM pending_operations
                 WHERE account_id = ? AND state = ? AND kind = ?
                 ORDER BY created_at, id LIMIT 1`,
		accountID, OpEligible, kind,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &op, nil
}

// CoalesceBatch returns the given operation plus any later eligible
// operations of the same kind targeting the same folder, for kinds the wire
// protocol can batch (delete, move). For other kinds the batch is just the
// single operation.
func (s *Store) CoalesceBatch(ctx context.Context,
	head *PendingOperation,
) ([]PendingOperation, error) {
	if !head.Kind.batchable() || !head.FolderID.Valid {
		return []PendingOperation{*head}, nil
	}

	var batch []PendingOperation
	err := s.db.SelectContext(ctx, &batch,
		`SELECT * FROM pending_operations
                 WHERE account_id = ? AND state = ? AND kind = ?
                        AND folder_id = ?
                 ORDER BY created_at, id`,
		head.AccountID, OpEligible, head.Kind, head.FolderID.Int64,
	)
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// MarkDispatched transitions the given operations to the dispatched state
// and bumps their attempt counters. Called when a command takes ownership
// for one round trip.
func (s *Store) MarkDispatched(ctx context.Context,
	ops []PendingOperation,
) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for i := range ops {
			_, err := tx.ExecContext(ctx,
				`UPDATE pending_operations
                                 SET state = ?, dispatched = 1,
                                        attempts = attempts + 1
                                 WHERE id = ?`,
				OpDispatched, ops[i].ID,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// ResolvePendingOp moves an operation to a terminal or deferred state after
// its round trip completes. Succeeded operations are deleted; failures are
// kept with the error recorded.
func (s *Store) ResolvePendingOp(ctx context.Context, opID int64,
	state OpState, lastErr string,
) error {
	if state == OpSucceeded {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_operations WHERE id = ?`, opID)
		return err
	}

	// Deferred operations become eligible again on the next planner
	// pass; the dispatched flag is cleared either way.
	next := state
	if state == OpDeferred {
		next = OpEligible
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations
                 SET state = ?, dispatched = 0, last_error = ?
                 WHERE id = ?`,
		next, lastErr, opID,
	)

	return err
}

// RequeueDispatched sweeps any operations still marked dispatched back to
// eligible. The control loop runs this when a command's round trip ended on
// a failure path that could not resolve its own operations.
func (s *Store) RequeueDispatched(ctx context.Context,
	accountID int64,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations
                 SET state = ?, dispatched = 0
                 WHERE account_id = ? AND state = ?`,
		OpEligible, accountID, OpDispatched,
	)

	return err
}

// HasPendingForFolder reports whether any eligible operation targets the
// given folder. The planner uses this as a sync trigger.
func (s *Store) HasPendingForFolder(ctx context.Context,
	folderID int64,
) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pending_operations
                 WHERE folder_id = ? AND state = ?`,
		folderID, OpEligible,
	)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}
