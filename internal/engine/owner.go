package engine

import "time"

// LogOwner is the headless Owner used by the daemon: every indication is
// logged, and those that need a human land at warning level so operators
// see them. A UI embedding the engine supplies its own Owner instead.
type LogOwner struct{}

// CredentialsRequired implements protocol.Owner.
func (LogOwner) CredentialsRequired(accountID int64) {
	log.Warnf("account %d: credentials required", accountID)
}

// ServerConfRequired implements protocol.Owner.
func (LogOwner) ServerConfRequired(accountID int64) {
	log.Warnf("account %d: manual server configuration required",
		accountID)
}

// CertApprovalRequired implements protocol.Owner.
func (LogOwner) CertApprovalRequired(accountID int64) {
	log.Warnf("account %d: certificate approval required", accountID)
}

// HardFailure implements protocol.Owner.
func (LogOwner) HardFailure(accountID int64, reason string) {
	log.Errorf("account %d: hard failure: %s", accountID, reason)
}

// TooManyDevices implements protocol.Owner.
func (LogOwner) TooManyDevices(accountID int64) {
	log.Warnf("account %d: server rejected device registration "+
		"(device limit)", accountID)
}

// ServerBusy implements protocol.Owner.
func (LogOwner) ServerBusy(accountID int64, retryAfter time.Duration) {
	log.Infof("account %d: server busy, retrying in %v", accountID,
		retryAfter)
}

// OutOfSpace implements protocol.Owner.
func (LogOwner) OutOfSpace(accountID int64) {
	log.Warnf("account %d: server reports storage exhausted", accountID)
}
