package engine

import (
	"context"

	"github.com/roasbeef/mailsync/internal/store"
)

// dataSource adapts the store to the protocol layer's per-account data
// capability.
type dataSource struct {
	acctID int64
	st     *store.Store
}

func (s *dataSource) AccountID() int64 {
	return s.acctID
}

func (s *dataSource) Endpoint(ctx context.Context) (*store.Endpoint, error) {
	return s.st.GetEndpoint(ctx, s.acctID)
}

func (s *dataSource) Credential(
	ctx context.Context,
) (*store.Credential, error) {
	return s.st.GetCredential(ctx, s.acctID)
}

func (s *dataSource) ProtoVersion(ctx context.Context) (string, error) {
	state, err := s.st.GetProtocolState(ctx, s.acctID)
	if err != nil {
		return "", err
	}

	return state.ProtoVersion, nil
}

func (s *dataSource) PolicyKey(ctx context.Context) (string, error) {
	state, err := s.st.GetProtocolState(ctx, s.acctID)
	if err != nil {
		return "", err
	}

	return state.PolicyKey, nil
}

func (s *dataSource) Store() *store.Store {
	return s.st
}
