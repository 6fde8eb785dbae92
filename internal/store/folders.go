package store

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
)

// NeverSynced is the lowest_synced value of a folder that has not completed
// a first sync pass. It compares above every real UID.
const NeverSynced = imap.UID(^uint32(0))

// Folder is one server folder plus the per-folder sync watermarks. The
// watermark fields are mutated only by the planner (on decision) and the
// sync command (on completion), never by readers.
type Folder struct {
	ID         int64  `db:"id"`
	AccountID  int64  `db:"account_id"`
	ServerID   string `db:"server_id"`
	Name       string `db:"name"`
	Class      string `db:"class"`
	Selectable bool   `db:"selectable"`

	// UIDNext is the server's next-to-be-assigned UID, as of the last
	// examine. UIDNext-1 is therefore the newest UID that can exist.
	UIDNext imap.UID `db:"uid_next"`

	// LowestSynced and HighestSynced bound the contiguous UID range this
	// client has synced. A folder with LowestSynced == NeverSynced and
	// HighestSynced == 0 has never synced anything.
	LowestSynced  imap.UID `db:"lowest_synced"`
	HighestSynced imap.UID `db:"highest_synced"`

	LastExamine     int64 `db:"last_examine"`
	LastSyncAttempt int64 `db:"last_sync_attempt"`
	NeedsFullSync   bool  `db:"needs_full_sync"`

	// SyncRung tracks how far initial backfill has progressed; the
	// planner's span window grows with the rung.
	SyncRung int `db:"sync_rung"`
}

// NeverExamined reports whether the folder's metadata has ever been
// refreshed from the server.
func (f *Folder) NeverExamined() bool {
	return f.LastExamine == 0
}

// HasNewMail reports whether the server has assigned UIDs past our highest
// synced watermark.
func (f *Folder) HasNewMail() bool {
	return f.UIDNext > 0 && f.UIDNext-1 > f.HighestSynced
}

// UpsertFolder inserts or updates a folder by (account, server id), as
// driven by folder-sync responses.
func (s *Store) UpsertFolder(ctx context.Context, f *Folder) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (account_id, server_id, name, class,
                        selectable, lowest_synced)
                 VALUES (?, ?, ?, ?, ?, ?)
                 ON CONFLICT(account_id, server_id) DO UPDATE SET
                        name = excluded.name,
                        class = excluded.class,
                        selectable = excluded.selectable`,
		f.AccountID, f.ServerID, f.Name, f.Class, f.Selectable,
		int64(NeverSynced),
	)
	if err != nil {
		return err
	}

	if f.ID == 0 {
		f.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	}

	return nil
}

// DeleteFolder removes a folder (and, via cascade, its messages).
func (s *Store) DeleteFolder(ctx context.Context, accountID int64,
	serverID string,
) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM folders WHERE account_id = ? AND server_id = ?`,
		accountID, serverID,
	)

	return err
}

// GetFolder fetches a folder by id.
func (s *Store) GetFolder(ctx context.Context, id int64) (*Folder, error) {
	var f Folder
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM folders WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &f, nil
}

// ListFolders returns all folders for an account, inbox-class first so the
// planner examines high-value folders before the rest.
func (s *Store) ListFolders(ctx context.Context,
	accountID int64,
) ([]Folder, error) {
	var folders []Folder
	err := s.db.SelectContext(ctx, &folders,
		`SELECT * FROM folders WHERE account_id = ?
                 ORDER BY CASE WHEN class = 'Inbox' THEN 0 ELSE 1 END, id`,
		accountID,
	)
	if err != nil {
		return nil, err
	}

	return folders, nil
}

// UpdateFolderExamine records the result of an examine: the server's current
// UIDNext and the examine time. Clears the needs-full-sync flag.
func (s *Store) UpdateFolderExamine(ctx context.Context, folderID int64,
	uidNext imap.UID, at time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET uid_next = ?, last_examine = ?,
                        needs_full_sync = 0
                 WHERE id = ?`,
		int64(uidNext), at.Unix(), folderID,
	)

	return err
}

// MarkFolderNeedsFullSync flags a folder whose metadata has gone stale
// enough that the next pass must refresh it before syncing items.
func (s *Store) MarkFolderNeedsFullSync(ctx context.Context,
	folderID int64,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET needs_full_sync = 1 WHERE id = ?`,
		folderID,
	)

	return err
}

// UpdateFolderWatermarks advances the synced range after a completed sync
// pass and bumps the sync rung at most one step per pass.
func (s *Store) UpdateFolderWatermarks(ctx context.Context, folderID int64,
	lowest, highest imap.UID, rung int, at time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET lowest_synced = ?, highest_synced = ?,
                        sync_rung = ?, last_sync_attempt = ?
                 WHERE id = ?`,
		int64(lowest), int64(highest), rung, at.Unix(), folderID,
	)

	return err
}

// TouchFolderSyncAttempt stamps the last sync attempt time without moving
// the watermarks, used when a sync fails partway.
func (s *Store) TouchFolderSyncAttempt(ctx context.Context, folderID int64,
	at time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET last_sync_attempt = ? WHERE id = ?`,
		at.Unix(), folderID,
	)

	return err
}
