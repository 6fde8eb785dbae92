package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Account is one configured mail account. Each account runs its own
// protocol-control machine and planner.
type Account struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	EmailAddress string `db:"email_address"`
	Domain       string `db:"domain"`
	CreatedAt    int64  `db:"created_at"`
}

// Credential holds the account's server credentials.
type Credential struct {
	AccountID int64  `db:"account_id"`
	Username  string `db:"username"`
	Password  string `db:"password"`
}

// Endpoint is the persisted server endpoint for an account. Discovery writes
// it initially; a server redirect (451-class response) rewrites it in place.
type Endpoint struct {
	AccountID int64  `db:"account_id"`
	Scheme    string `db:"scheme"`
	Host      string `db:"host"`
	Port      int    `db:"port"`
	Path      string `db:"path"`
}

// ProtocolState is the persisted conversation state for an account: the
// control machine's current state plus the negotiated protocol parameters.
// This record is how the control FSM survives process restarts.
type ProtocolState struct {
	AccountID      int64  `db:"account_id"`
	ControlState   int    `db:"control_state"`
	ProtoVersion   string `db:"proto_version"`
	PolicyKey      string `db:"policy_key"`
	FolderSyncKey  string `db:"folder_sync_key"`
	LastFolderSync int64  `db:"last_folder_sync"`
}

// CreateAccount inserts a new account along with empty credential, endpoint
// and protocol-state rows so later updates never race on row existence.
func (s *Store) CreateAccount(ctx context.Context, name, email,
	domain string,
) (*Account, error) {
	acct := &Account{
		Name:         name,
		EmailAddress: email,
		Domain:       domain,
		CreatedAt:    time.Now().Unix(),
	}

	err := s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (name, email_address, domain,
                                created_at)
                         VALUES (?, ?, ?, ?)`,
			acct.Name, acct.EmailAddress, acct.Domain,
			acct.CreatedAt,
		)
		if err != nil {
			return err
		}

		acct.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO credentials (account_id, username,
                                password)
                         VALUES (?, '', '')`, acct.ID,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO endpoints (account_id, host)
                         VALUES (?, '')`, acct.ID,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO protocol_state (account_id) VALUES (?)`,
			acct.ID,
		)

		return err
	})
	if err != nil {
		return nil, err
	}

	return acct, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var acct Account
	err := s.db.GetContext(ctx, &acct,
		`SELECT * FROM accounts WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &acct, nil
}

// ListAccounts returns all configured accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	var accts []Account
	err := s.db.SelectContext(ctx, &accts,
		`SELECT * FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}

	return accts, nil
}

// GetCredential fetches the credential row for an account.
func (s *Store) GetCredential(ctx context.Context,
	accountID int64,
) (*Credential, error) {
	var cred Credential
	err := s.db.GetContext(ctx, &cred,
		`SELECT * FROM credentials WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &cred, nil
}

// UpdateCredential replaces the stored username/password for an account.
func (s *Store) UpdateCredential(ctx context.Context, accountID int64,
	username, password string,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET username = ?, password = ?
                 WHERE account_id = ?`,
		username, password, accountID,
	)

	return err
}

// GetEndpoint fetches the server endpoint for an account.
func (s *Store) GetEndpoint(ctx context.Context,
	accountID int64,
) (*Endpoint, error) {
	var ep Endpoint
	err := s.db.GetContext(ctx, &ep,
		`SELECT * FROM endpoints WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &ep, nil
}

// UpdateEndpoint rewrites the server endpoint, typically after discovery or
// a server-issued redirect.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET scheme = ?, host = ?, port = ?, path = ?
                 WHERE account_id = ?`,
		ep.Scheme, ep.Host, ep.Port, ep.Path, ep.AccountID,
	)

	return err
}

// GetProtocolState fetches the persisted protocol state for an account.
func (s *Store) GetProtocolState(ctx context.Context,
	accountID int64,
) (*ProtocolState, error) {
	var st ProtocolState
	err := s.db.GetContext(ctx, &st,
		`SELECT * FROM protocol_state WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	return &st, nil
}

// UpdateControlState persists the control machine's new state value. Called
// from the machine's state-changed hook on every transition.
func (s *Store) UpdateControlState(ctx context.Context, accountID int64,
	state int,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE protocol_state SET control_state = ?
                 WHERE account_id = ?`,
		state, accountID,
	)

	return err
}

// UpdateProtoVersion persists the negotiated protocol version.
func (s *Store) UpdateProtoVersion(ctx context.Context, accountID int64,
	version string,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE protocol_state SET proto_version = ?
                 WHERE account_id = ?`,
		version, accountID,
	)

	return err
}

// UpdatePolicyKey persists the provisioning policy key.
func (s *Store) UpdatePolicyKey(ctx context.Context, accountID int64,
	key string,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE protocol_state SET policy_key = ?
                 WHERE account_id = ?`,
		key, accountID,
	)

	return err
}

// UpdateFolderSyncKey persists the folder hierarchy sync key and stamps the
// last folder sync time.
func (s *Store) UpdateFolderSyncKey(ctx context.Context, accountID int64,
	key string, syncedAt time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE protocol_state SET folder_sync_key = ?,
                        last_folder_sync = ?
                 WHERE account_id = ?`,
		key, syncedAt.Unix(), accountID,
	)

	return err
}
