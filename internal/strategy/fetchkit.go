package strategy

import (
	"context"

	"github.com/roasbeef/mailsync/internal/store"
)

// FetchBudget caps how many items one fetch round trip covers. Small batches
// keep the account responsive to higher-priority work between trips.
const FetchBudget = 5

// maxBodyParts bounds part-wise body downloads. Past this, the per-part
// round-trip overhead costs more than the attachment bytes saved, so the
// body downloads whole.
const maxBodyParts = 10

// decomposeBody reports whether a message body should download part by part
// rather than as one document. Decomposition pays off only when attachments
// push the total size past what the network class would carry anyway and the
// part count stays small enough that per-part trips are cheap.
func decomposeBody(ctx context.Context, st *store.Store, m *store.Message,
	class SpeedClass,
) (bool, error) {
	if m.PartCount == 0 {
		return false, nil
	}

	atts, err := st.MessageAttachments(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if len(atts) == 0 {
		return false, nil
	}

	var total int64
	for _, a := range atts {
		total += a.Size
	}
	if total <= class.maxAttachmentSize() {
		return false, nil
	}

	return m.PartCount <= maxBodyParts, nil
}

// GenFetchKit builds the speculative download prescription: hinted bodies
// first, then scored ones, then small attachments if the network class
// allows them. Returns an empty (non-nil) kit when there is nothing worth
// fetching.
func GenFetchKit(ctx context.Context, st *store.Store, acctID int64,
	class SpeedClass,
) (*FetchKit, error) {
	kit := &FetchKit{}
	serverIDs := make(map[int64]string)

	addBodies := func(msgs []store.Message) error {
		for i := range msgs {
			if len(kit.Bodies) >= FetchBudget {
				return nil
			}

			m := &msgs[i]
			sid, ok := serverIDs[m.FolderID]
			if !ok {
				f, err := st.GetFolder(ctx, m.FolderID)
				if err != nil {
					return err
				}
				sid = f.ServerID
				serverIDs[m.FolderID] = sid
			}

			parts, err := decomposeBody(ctx, st, m, class)
			if err != nil {
				return err
			}

			kit.Bodies = append(kit.Bodies, BodyFetch{
				MessageID:      m.ID,
				FolderServerID: sid,
				UID:            m.UID,
				PartsOnly:      parts,
			})
		}

		return nil
	}

	hinted, err := st.HintedBodies(ctx, acctID, FetchBudget)
	if err != nil {
		return nil, err
	}
	if err := addBodies(hinted); err != nil {
		return nil, err
	}

	if remain := FetchBudget - len(kit.Bodies); remain > 0 {
		scored, err := st.TopScoredBodies(ctx, acctID, remain)
		if err != nil {
			return nil, err
		}
		if err := addBodies(scored); err != nil {
			return nil, err
		}
	}

	maxSize := class.maxAttachmentSize()
	remain := FetchBudget - len(kit.Bodies)
	if maxSize > 0 && remain > 0 {
		atts, err := st.UnfetchedAttachments(ctx, acctID, maxSize,
			remain)
		if err != nil {
			return nil, err
		}
		for _, a := range atts {
			kit.Attachments = append(kit.Attachments,
				AttachmentFetch{
					AttachmentID: a.ID,
					Size:         a.Size,
				})
		}
	}

	return kit, nil
}
