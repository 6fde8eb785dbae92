package strategy

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/roasbeef/mailsync/internal/store"
)

// DecisionKind says what the planner wants done next.
type DecisionKind int

const (
	// DecideNone means there is no useful work; the account can idle on
	// its keep-alive ping.
	DecideNone DecisionKind = iota

	// DecideSync dispatches the decision's sync kit.
	DecideSync

	// DecideFetch dispatches the decision's fetch kit.
	DecideFetch

	// DecideOperation replays the decision's pending operation (or
	// coalesced batch) against the server.
	DecideOperation

	// DecideFolderSync refreshes the folder hierarchy before any item
	// work.
	DecideFolderSync

	// DecideWait parks the account for the decision's Wait duration. Only
	// produced in the quick-sync context, which never falls back to the
	// long-poll ping.
	DecideWait
)

// Decision is one planner verdict. At most one of Sync, Fetch or Batch is
// populated, matching Kind; the engine maps it onto a protocol command.
type Decision struct {
	Kind  DecisionKind
	Sync  *SyncKit
	Fetch *FetchKit

	// Batch holds the pending operations behind a DecideOperation; a
	// non-batchable kind yields a single-element batch.
	Batch []store.PendingOperation

	// Wait is the explicit delay behind a DecideWait.
	Wait time.Duration
}

// Mode is the planner's execution context.
type Mode int

const (
	// ModeBackground is the default periodic-sync context.
	ModeBackground Mode = iota

	// ModeForeground unlocks user-demand and hinted-fetch work.
	ModeForeground

	// ModeQuickSync is a push-triggered wake-up prioritizing a single
	// folder's fastest possible refresh.
	ModeQuickSync
)

// Env carries one wakeup's execution context into Pick.
type Env struct {
	Mode Mode

	// PriorityFolder is the folder a quick-sync wake-up targets.
	PriorityFolder int64

	// LowPower blocks speculative work regardless of network class.
	LowPower bool
}

// fetchBias is the probability that the planner services speculative fetch
// work when sync work is also available. Sync wins most tosses so list views
// stay current, but fetch is never starved outright.
const fetchBias = 0.3

// initialRung is how far a folder's sync must have progressed before
// speculative fetch work competes with it.
const initialRung = 1

// folderListStale is how old the last folder hierarchy sync may get before
// the planner refreshes it; the quick-sync context tolerates less.
const (
	folderListStale      = time.Hour
	folderListStaleQuick = 10 * time.Minute
)

// quickSyncWait is the explicit-wait fallback in the quick-sync context.
const quickSyncWait = 120 * time.Second

// userDemandKinds orders the foreground-only demand kinds by urgency.
var userDemandKinds = []store.OpKind{
	store.OpSearch, store.OpSyncReq, store.OpBodyFetch,
	store.OpAttachFetch,
}

// queuedKinds are the pending kinds served on the queued-operations rung,
// excluding outbound mail which gets its own priority. Age decides among
// them.
var queuedKinds = []store.OpKind{
	store.OpFolderCreate, store.OpFolderUpdate, store.OpFolderDelete,
	store.OpMailDelete, store.OpMailMove, store.OpMailMarkRead,
	store.OpMailFlag, store.OpSearch, store.OpSyncReq,
}

// Planner decides, one verdict at a time, what an account's next server
// round trip should be. It holds no mutable per-folder state of its own:
// every input comes from the store, so the decision ladder is replayable.
type Planner struct {
	st  *store.Store
	rng *rand.Rand
}

// NewPlanner builds a planner over the given store. A nil rng gets a
// time-seeded one; tests inject a fixed seed for determinism.
func NewPlanner(st *store.Store, rng *rand.Rand) *Planner {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Planner{st: st, rng: rng}
}

// Pick walks the priority ladder and returns the next decision:
//
//  1. user-demand operations, while the app is foregrounded
//  2. the quick-sync wake-up's priority folder
//  3. outbound mail, then other pending operations, oldest first, batched
//     where possible (foreground/background only)
//  4. folder hierarchy staleness, on a shorter interval during quick-sync
//  5. hinted body fetches, while the app is foregrounded
//  6. per-folder sync work, coin-tossed against speculative fetch when the
//     network is fast, sync is past the initial rung, and power allows
//  7. nothing: idle-ping in foreground/background, explicit wait in
//     quick-sync
func (p *Planner) Pick(ctx context.Context, acctID int64, class SpeedClass,
	env Env,
) (*Decision, error) {
	if env.Mode == ModeForeground {
		dec, err := p.pickUserDemand(ctx, acctID, class)
		if err != nil || dec != nil {
			return dec, err
		}
	}

	if env.Mode == ModeQuickSync && env.PriorityFolder != 0 {
		dec, err := p.pickQuickSync(ctx, env.PriorityFolder, class)
		if err != nil || dec != nil {
			return dec, err
		}
	}

	if env.Mode != ModeQuickSync {
		dec, err := p.pickOperation(ctx, acctID, class)
		if err != nil || dec != nil {
			return dec, err
		}
	}

	if stale, err := p.folderListStale(ctx, acctID, env); err != nil {
		return nil, err
	} else if stale {
		return &Decision{Kind: DecideFolderSync}, nil
	}

	if env.Mode == ModeForeground {
		dec, err := p.pickHintedFetch(ctx, acctID, class)
		if err != nil || dec != nil {
			return dec, err
		}
	}

	if env.Mode != ModeQuickSync {
		dec, err := p.pickSyncOrFetch(ctx, acctID, class, env)
		if err != nil || dec != nil {
			return dec, err
		}
	}

	if env.Mode == ModeQuickSync {
		return &Decision{Kind: DecideWait, Wait: quickSyncWait}, nil
	}

	return &Decision{Kind: DecideNone}, nil
}

// pickQuickSync serves the wake-up's priority folder with the narrowest
// possible pass.
func (p *Planner) pickQuickSync(ctx context.Context, folderID int64,
	class SpeedClass,
) (*Decision, error) {
	f, err := p.st.GetFolder(ctx, folderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	kit, err := GenSyncKit(ctx, p.st, f, class, true)
	if err != nil || kit == nil {
		return nil, err
	}

	return &Decision{Kind: DecideSync, Sync: kit}, nil
}

// folderListStale reports whether the folder hierarchy is overdue for a
// refresh.
func (p *Planner) folderListStale(ctx context.Context, acctID int64,
	env Env,
) (bool, error) {
	state, err := p.st.GetProtocolState(ctx, acctID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	stale := folderListStale
	if env.Mode == ModeQuickSync {
		stale = folderListStaleQuick
	}

	return time.Since(time.Unix(state.LastFolderSync, 0)) > stale, nil
}

// pickHintedFetch serves hinted bodies while the user is looking.
func (p *Planner) pickHintedFetch(ctx context.Context, acctID int64,
	class SpeedClass,
) (*Decision, error) {
	hinted, err := p.st.HintedBodies(ctx, acctID, 1)
	if err != nil || len(hinted) == 0 {
		return nil, err
	}

	kit, err := GenFetchKit(ctx, p.st, acctID, class)
	if err != nil {
		return nil, err
	}
	if kit.Empty() {
		return nil, nil
	}

	return &Decision{Kind: DecideFetch, Fetch: kit}, nil
}

// pickSyncOrFetch generates per-folder sync work, tossing the biased coin
// against speculative fetch work when the gates for it hold.
func (p *Planner) pickSyncOrFetch(ctx context.Context, acctID int64,
	class SpeedClass, env Env,
) (*Decision, error) {
	folders, err := p.st.ListFolders(ctx, acctID)
	if err != nil {
		return nil, err
	}

	var syncKit *SyncKit
	pastInitial := false
	for i := range folders {
		f := &folders[i]
		if !f.Selectable {
			continue
		}
		pastInitial = pastInitial || f.SyncRung >= initialRung

		if syncKit == nil {
			syncKit, err = GenSyncKit(ctx, p.st, f, class, false)
			if err != nil {
				return nil, err
			}
		}
	}

	fetchKit := &FetchKit{}
	if class == WiFi && pastInitial && !env.LowPower {
		fetchKit, err = GenFetchKit(ctx, p.st, acctID, class)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case syncKit != nil && !fetchKit.Empty():
		// Both kinds of work exist: toss the biased coin so
		// speculative downloads make progress without starving sync.
		if p.rng.Float64() < fetchBias {
			return &Decision{Kind: DecideFetch, Fetch: fetchKit},
				nil
		}

		return &Decision{Kind: DecideSync, Sync: syncKit}, nil

	case syncKit != nil:
		return &Decision{Kind: DecideSync, Sync: syncKit}, nil

	case !fetchKit.Empty():
		return &Decision{Kind: DecideFetch, Fetch: fetchKit}, nil
	}

	return nil, nil
}

// pickUserDemand serves foreground demand operations in urgency order.
func (p *Planner) pickUserDemand(ctx context.Context, acctID int64,
	class SpeedClass,
) (*Decision, error) {
	for _, kind := range userDemandKinds {
		op, err := p.st.OldestEligibleOfKind(ctx, acctID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		switch kind {
		case store.OpSyncReq:
			dec, err := p.demandSync(ctx, op, class)
			if err != nil || dec != nil {
				return dec, err
			}

		case store.OpBodyFetch, store.OpAttachFetch:
			return p.demandFetch(ctx, op, class)

		default:
			return &Decision{
				Kind:  DecideOperation,
				Batch: []store.PendingOperation{*op},
			}, nil
		}
	}

	return nil, nil
}

// demandSync turns a user sync request into a sync kit for its folder, with
// the operation riding along for resolution. A fully-synced folder has
// nothing left to transfer, so the request resolves immediately successful
// with no kit at all.
func (p *Planner) demandSync(ctx context.Context, op *store.PendingOperation,
	class SpeedClass,
) (*Decision, error) {
	if !op.FolderID.Valid {
		err := p.st.ResolvePendingOp(ctx, op.ID, store.OpFailed,
			"sync request without folder")
		if err != nil {
			return nil, err
		}

		return nil, nil
	}

	f, err := p.st.GetFolder(ctx, op.FolderID.Int64)
	if err != nil {
		return nil, err
	}

	kit, err := GenSyncKit(ctx, p.st, f, class, false)
	if err != nil {
		return nil, err
	}
	if kit == nil {
		err := p.st.ResolvePendingOp(ctx, op.ID, store.OpSucceeded, "")
		if err != nil {
			return nil, err
		}

		return nil, nil
	}
	kit.Uploads = append(kit.Uploads, *op)

	return &Decision{Kind: DecideSync, Sync: kit}, nil
}

// demandFetch turns a user body/attachment request into a fetch kit. The
// operation's targets are message (or attachment) row ids.
func (p *Planner) demandFetch(ctx context.Context,
	op *store.PendingOperation, class SpeedClass,
) (*Decision, error) {
	targets, err := op.Targets()
	if err != nil {
		return nil, err
	}

	kit := &FetchKit{PendingIDs: []int64{op.ID}}
	for _, raw := range targets {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		if op.Kind == store.OpAttachFetch {
			kit.Attachments = append(kit.Attachments,
				AttachmentFetch{AttachmentID: id})
			continue
		}

		msg, err := p.st.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		f, err := p.st.GetFolder(ctx, msg.FolderID)
		if err != nil {
			return nil, err
		}
		parts, err := decomposeBody(ctx, p.st, msg, class)
		if err != nil {
			return nil, err
		}

		kit.Bodies = append(kit.Bodies, BodyFetch{
			MessageID:      msg.ID,
			FolderServerID: f.ServerID,
			UID:            msg.UID,
			PartsOnly:      parts,
		})
	}

	return &Decision{Kind: DecideFetch, Fetch: kit}, nil
}

// pickOperation serves outbound mail first, then the oldest of the other
// queued operations, coalescing batchable kinds.
func (p *Planner) pickOperation(ctx context.Context, acctID int64,
	class SpeedClass,
) (*Decision, error) {
	send, err := p.st.OldestEligibleOfKind(ctx, acctID, store.OpMailSend)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if send != nil {
		return &Decision{
			Kind:  DecideOperation,
			Batch: []store.PendingOperation{*send},
		}, nil
	}

	var oldest *store.PendingOperation
	for _, kind := range queuedKinds {
		op, err := p.st.OldestEligibleOfKind(ctx, acctID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if oldest == nil || op.CreatedAt < oldest.CreatedAt ||
			(op.CreatedAt == oldest.CreatedAt &&
				op.ID < oldest.ID) {

			oldest = op
		}
	}
	if oldest == nil {
		return nil, nil
	}

	if oldest.Kind == store.OpSyncReq {
		return p.demandSync(ctx, oldest, class)
	}

	batch, err := p.st.CoalesceBatch(ctx, oldest)
	if err != nil {
		return nil, err
	}

	return &Decision{Kind: DecideOperation, Batch: batch}, nil
}
