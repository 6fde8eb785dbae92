package strategy

import (
	"github.com/emersion/go-imap/v2"

	"github.com/roasbeef/mailsync/internal/store"
)

// SyncMethod selects how much work a sync pass does against one folder.
type SyncMethod int

const (
	// MethodOpenOnly refreshes folder metadata (UIDNext et al) without
	// transferring items. Issued when a folder has never been examined or
	// its metadata is flagged stale.
	MethodOpenOnly SyncMethod = iota

	// MethodQuickSync is a narrow pass covering only UIDs above the high
	// watermark, for folders with fresh metadata and new mail.
	MethodQuickSync

	// MethodSync is a full windowed pass: new mail above the high
	// watermark plus backfill below the low watermark, unioned with the
	// locally-known UIDs inside the window so flag changes and deletions
	// are observed.
	MethodSync
)

// String returns the method name for log output.
func (m SyncMethod) String() string {
	switch m {
	case MethodOpenOnly:
		return "OpenOnly"
	case MethodQuickSync:
		return "QuickSync"
	case MethodSync:
		return "Sync"
	default:
		return "Unknown"
	}
}

// SyncKit is the planner's full prescription for one sync command: which
// folder, how deep, which UID ranges, and which pending mutations to
// piggyback on the same round trip. The command executes the kit verbatim
// and persists the watermark targets only on success.
type SyncKit struct {
	FolderID int64
	ServerID string
	Method   SyncMethod

	// UIDs is the set of item identifiers this pass covers. Empty for
	// MethodOpenOnly.
	UIDs imap.UIDSet

	// Lowest, Highest and Rung are the watermark values to persist when
	// the pass succeeds.
	Lowest  imap.UID
	Highest imap.UID
	Rung    int

	// Uploads are pending mutations riding along on this round trip.
	Uploads []store.PendingOperation
}

// BodyFetch names one message body (or its interesting parts) to download.
type BodyFetch struct {
	MessageID      int64
	FolderServerID string
	UID            imap.UID

	// PartsOnly restricts the download to text parts; set when the whole
	// body is too expensive for the current network class.
	PartsOnly bool
}

// AttachmentFetch names one attachment to download.
type AttachmentFetch struct {
	AttachmentID int64
	Size         int64
}

// FetchKit is the planner's prescription for one fetch command: a small
// budget of bodies and attachments, hinted items first, plus the ids of any
// user-demand pending operations this fetch satisfies.
type FetchKit struct {
	Bodies      []BodyFetch
	Attachments []AttachmentFetch

	// PendingIDs are pending-operation rows resolved when the fetch
	// completes.
	PendingIDs []int64
}

// Empty reports whether the kit prescribes no work at all.
func (k *FetchKit) Empty() bool {
	return len(k.Bodies) == 0 && len(k.Attachments) == 0
}
