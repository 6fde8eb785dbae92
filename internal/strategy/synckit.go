package strategy

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/roasbeef/mailsync/internal/store"
)

// rungSpans is the base back-looking window per sync rung. Each completed
// pass climbs one rung, so backfill accelerates as a folder proves cheap to
// sync. The network class multiplies these.
var rungSpans = [...]uint32{10, 75, 250, 1000, 5000}

// maxRung is the highest rung a folder can reach.
const maxRung = len(rungSpans) - 1

// examineStale is how old a folder's metadata may get before the next pass
// must refresh it; quick-sync wake-ups tolerate much less.
const (
	examineStale      = time.Hour
	examineStaleQuick = 15 * time.Minute
)

// spanForRung returns the effective window for a rung on a network class.
func spanForRung(rung int, class SpeedClass) uint32 {
	if rung < 0 {
		rung = 0
	}
	if rung > maxRung {
		rung = maxRung
	}

	return rungSpans[rung] * class.spanFactor()
}

// GenOpenKit builds a metadata-only kit for a folder whose server-side view
// is unknown or stale.
func GenOpenKit(f *store.Folder) *SyncKit {
	return &SyncKit{
		FolderID: f.ID,
		ServerID: f.ServerID,
		Method:   MethodOpenOnly,
		Lowest:   f.LowestSynced,
		Highest:  f.HighestSynced,
		Rung:     f.SyncRung,
	}
}

// GenSyncKit builds the item-sync prescription for a folder. Unexamined or
// stale metadata yields an open-only kit; new mail above the high watermark
// takes precedence over backfill below the low watermark; the covered range
// is unioned with the locally-known UIDs inside it so flag changes and
// deletions are observed. A quick pass covers only the UIDs above the high
// watermark, skipping the union, for the fastest possible refresh. Returns
// nil when the folder has nothing to sync (or is not selectable).
func GenSyncKit(ctx context.Context, st *store.Store, f *store.Folder,
	class SpeedClass, quick bool,
) (*SyncKit, error) {
	if !f.Selectable {
		return nil, nil
	}

	if f.NeverExamined() || f.NeedsFullSync {
		// Item ranges would be guesses; refresh metadata first.
		return GenOpenKit(f), nil
	}

	stale := examineStale
	if quick {
		stale = examineStaleQuick
	}
	if time.Since(time.Unix(f.LastExamine, 0)) > stale {
		if err := st.MarkFolderNeedsFullSync(ctx, f.ID); err != nil {
			return nil, err
		}

		return GenOpenKit(f), nil
	}

	if f.UIDNext == 0 {
		return GenOpenKit(f), nil
	}

	span := imap.UID(spanForRung(f.SyncRung, class))
	anchor := f.UIDNext - 1

	var lo, hi imap.UID
	switch {
	case quick || f.HasNewMail():
		hi = anchor
		lo = 1
		if anchor > span {
			lo = anchor - span
		}
		// Don't re-cover ground below the high watermark when the
		// folder has synced before.
		if f.HighestSynced > 0 && f.HighestSynced+1 > lo {
			lo = f.HighestSynced + 1
		}

	case f.LowestSynced != store.NeverSynced && f.LowestSynced > 1:
		// Caught up on new mail; backfill below the low watermark.
		hi = f.LowestSynced - 1
		lo = 1
		if hi > span {
			lo = hi - span
		}

	default:
		return nil, nil
	}

	// A quick pass on a caught-up (or empty) folder covers nothing.
	if hi == 0 || lo > hi {
		return nil, nil
	}

	var uids imap.UIDSet
	uids.AddRange(lo, hi)

	method := MethodSync
	if quick {
		method = MethodQuickSync
	} else {
		// Union in the known UIDs inside the broader watermark window
		// so a sync of new mail still refreshes flags on what we hold.
		known, err := st.KnownUIDsInWindow(ctx, f.ID, lo, hi)
		if err != nil {
			return nil, err
		}
		for _, uid := range known {
			uids.AddNum(uid)
		}
	}

	kit := &SyncKit{
		FolderID: f.ID,
		ServerID: f.ServerID,
		Method:   method,
		UIDs:     uids,
		Lowest:   f.LowestSynced,
		Highest:  f.HighestSynced,
		Rung:     f.SyncRung,
	}
	if lo < kit.Lowest {
		kit.Lowest = lo
	}
	if hi > kit.Highest {
		kit.Highest = hi
	}
	if !quick && kit.Rung < maxRung {
		kit.Rung++
	}

	return kit, nil
}
