package control

import "github.com/roasbeef/mailsync/internal/statemachine"

// Controller states, one per coarse protocol phase. The wait states each
// have exactly one command (or owner response) outstanding.
const (
	// StateDiscWait has endpoint discovery in flight.
	StateDiscWait = statemachine.StateLast + iota

	// StateCredWait is parked until the owner supplies credentials.
	StateCredWait

	// StateServConfWait is parked until the owner supplies a server
	// configuration.
	StateServConfWait

	// StateOptionsWait has the capability probe in flight.
	StateOptionsWait

	// StateProvisionWait has the policy handshake in flight.
	StateProvisionWait

	// StateSettingsWait has the device registration in flight.
	StateSettingsWait

	// StateFolderSyncWait has the hierarchy sync in flight.
	StateFolderSyncWait

	// StateSyncWait has a planner-issued command in flight.
	StateSyncWait

	// StateIdle has the long-poll ping in flight.
	StateIdle

	// StateSendMailWait has an outbound message in flight.
	StateSendMailWait
)

// Controller events beyond the base vocabulary.
const (
	// EvReDisc routes back to discovery; the endpoint is suspect.
	EvReDisc = statemachine.EvLast + iota

	// EvReProv routes back to provisioning; the policy key was rejected.
	EvReProv

	// EvReSync routes back to the folder sync phase; item sync keys are
	// out of step or local pending work was staged.
	EvReSync

	// EvServConfReq asks the owner for a manual server configuration.
	EvServConfReq

	// EvCredResp is the owner's answer to a credentials request.
	EvCredResp

	// EvServConfResp is the owner's answer to a server-config request.
	EvServConfResp

	// EvSendMail carries a pending outbound-mail operation as its
	// argument. Only meaningful from idle.
	EvSendMail

	// evNoWork is posted internally when the planner finds nothing to do.
	evNoWork
)

// StateName names the controller states for log output.
func StateName(st statemachine.State) string {
	switch st {
	case StateDiscWait:
		return "DiscoveryWait"
	case StateCredWait:
		return "CredWait"
	case StateServConfWait:
		return "ServConfWait"
	case StateOptionsWait:
		return "OptionsWait"
	case StateProvisionWait:
		return "ProvisionWait"
	case StateSettingsWait:
		return "SettingsWait"
	case StateFolderSyncWait:
		return "FolderSyncWait"
	case StateSyncWait:
		return "SyncWait"
	case StateIdle:
		return "Idle"
	case StateSendMailWait:
		return "SendMailWait"
	default:
		return ""
	}
}

// EventName names the controller events for log output.
func EventName(ev statemachine.Event) string {
	switch ev {
	case EvReDisc:
		return "ReDisc"
	case EvReProv:
		return "ReProv"
	case EvReSync:
		return "ReSync"
	case EvServConfReq:
		return "ServConfReq"
	case EvCredResp:
		return "CredResp"
	case EvServConfResp:
		return "ServConfResp"
	case EvSendMail:
		return "SendMail"
	case evNoWork:
		return "NoWork"
	default:
		return ""
	}
}
