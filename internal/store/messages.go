package store

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// Message is the persisted metadata for one mail item. Body content lives
// behind the codec boundary; the engine only tracks what has been fetched
// and how interesting a not-yet-fetched body is (score, hinted).
type Message struct {
	ID        int64    `db:"id"`
	AccountID int64    `db:"account_id"`
	FolderID  int64    `db:"folder_id"`
	UID       imap.UID `db:"uid"`
	Flags     string   `db:"flags"`

	// Score ranks speculative body fetches; higher downloads first.
	Score float64 `db:"score"`

	// Hinted marks bodies requested by server push or a UI-visible row.
	// Hinted bodies outrank scored ones.
	Hinted      bool `db:"hinted"`
	BodyFetched bool `db:"body_fetched"`

	// PartCount is the number of MIME parts, when the structure has been
	// parsed; zero when unknown.
	PartCount  int   `db:"part_count"`
	ReceivedAt int64 `db:"received_at"`
}

// Attachment is the persisted metadata for one attachment.
type Attachment struct {
	ID        int64 `db:"id"`
	MessageID int64 `db:"message_id"`
	Size      int64 `db:"size"`
	Fetched   bool  `db:"fetched"`
}

// UpsertMessage inserts or refreshes a message row by (folder, uid).
func (s *Store) UpsertMessage(ctx context.Context, m *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (account_id, folder_id, uid, flags,
                        score, hinted, part_count, received_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT(folder_id, uid) DO UPDATE SET
                        flags = excluded.flags,
                        part_count = excluded.part_count`,
		m.AccountID, m.FolderID, int64(m.UID), m.Flags, m.Score,
		m.Hinted, m.PartCount, m.ReceivedAt,
	)
	if err != nil {
		return err
	}

	if m.ID == 0 {
		m.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	}

	return nil
}

// GetMessage fetches a message by row id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &m, nil
}

// DeleteMessagesByUID removes messages the server reports as gone.
func (s *Store) DeleteMessagesByUID(ctx context.Context, folderID int64,
	uids []imap.UID,
) error {
	for _, uid := range uids {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM messages
                         WHERE folder_id = ? AND uid = ?`,
			folderID, int64(uid),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// KnownUIDsInWindow returns the locally-known UIDs in the back-looking
// window [lo, hi], newest first.
func (s *Store) KnownUIDsInWindow(ctx context.Context, folderID int64,
	lo, hi imap.UID,
) ([]imap.UID, error) {
	var raw []int64
	err := s.db.SelectContext(ctx, &raw,
		`SELECT uid FROM messages
                 WHERE folder_id = ? AND uid BETWEEN ? AND ?
                 ORDER BY uid DESC`,
		folderID, int64(lo), int64(hi),
	)
	if err != nil {
		return nil, err
	}

	uids := make([]imap.UID, len(raw))
	for i, v := range raw {
		uids[i] = imap.UID(v)
	}

	return uids, nil
}

// HintedBodies returns up to limit hinted, not-yet-fetched bodies for the
// account, newest first.
func (s *Store) HintedBodies(ctx context.Context, accountID int64,
	limit int,
) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM messages
                 WHERE account_id = ? AND hinted = 1 AND body_fetched = 0
                 ORDER BY received_at DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// TopScoredBodies returns up to limit not-yet-fetched, not-hinted bodies
// ordered by descending score.
func (s *Store) TopScoredBodies(ctx context.Context, accountID int64,
	limit int,
) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM messages
                 WHERE account_id = ? AND hinted = 0 AND body_fetched = 0
                        AND score > 0
                 ORDER BY score DESC, received_at DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// MarkBodyFetched records a completed body download and clears any hint.
func (s *Store) MarkBodyFetched(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body_fetched = 1, hinted = 0
                 WHERE id = ?`, messageID,
	)

	return err
}

// HintBody flags a body as wanted soon (server push or UI-visible row).
func (s *Store) HintBody(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET hinted = 1
                 WHERE id = ? AND body_fetched = 0`, messageID,
	)

	return err
}

// MessageAttachments returns the attachments of a message.
func (s *Store) MessageAttachments(ctx context.Context,
	messageID int64,
) ([]Attachment, error) {
	var atts []Attachment
	err := s.db.SelectContext(ctx, &atts,
		`SELECT * FROM attachments WHERE message_id = ? ORDER BY id`,
		messageID,
	)
	if err != nil {
		return nil, err
	}

	return atts, nil
}

// AddAttachment records attachment metadata for a message.
func (s *Store) AddAttachment(ctx context.Context, att *Attachment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (message_id, size) VALUES (?, ?)`,
		att.MessageID, att.Size,
	)
	if err != nil {
		return err
	}

	att.ID, err = res.LastInsertId()

	return err
}

// UnfetchedAttachments returns up to limit not-yet-fetched attachments for
// the account no larger than maxSize, smallest first so slow links make
// visible progress.
func (s *Store) UnfetchedAttachments(ctx context.Context, accountID int64,
	maxSize int64, limit int,
) ([]Attachment, error) {
	var atts []Attachment
	err := s.db.SelectContext(ctx, &atts,
		`SELECT a.* FROM attachments a
                 JOIN messages m ON m.id = a.message_id
                 WHERE m.account_id = ? AND a.fetched = 0 AND a.size <= ?
                 ORDER BY a.size LIMIT ?`,
		accountID, maxSize, limit,
	)
	if err != nil {
		return nil, err
	}

	return atts, nil
}

// MarkAttachmentFetched records a completed attachment download.
func (s *Store) MarkAttachmentFetched(ctx context.Context,
	attachmentID int64,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET fetched = 1 WHERE id = ?`,
		attachmentID,
	)

	return err
}
