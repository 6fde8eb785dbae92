package protocol

import "github.com/roasbeef/mailsync/internal/statemachine"

// Wire headers carrying protocol control information. The names follow the
// ActiveSync originals; a deployment speaking a different dialect remaps
// them in its transport.
const (
	// HdrRetryPolicy is the "protocol retry" marker: its presence on an
	// auth-or-server-error response means the server wants the same
	// phase retried (ReSync) rather than rediscovery.
	HdrRetryPolicy = "X-MS-RP"

	// HdrLocation carries the new endpoint URL on a redirect response.
	HdrLocation = "X-MS-Location"

	// HdrRetryAfter carries the server's requested delay, in seconds.
	HdrRetryAfter = "Retry-After"

	// HdrPolicyKey carries the provisioning policy key on requests.
	HdrPolicyKey = "X-MS-PolicyKey"

	// HdrProtoVersion carries the negotiated protocol version.
	HdrProtoVersion = "MS-ASProtocolVersion"

	// HdrProtoVersions lists the versions the server supports, on an
	// options response.
	HdrProtoVersions = "MS-ASProtocolVersions"
)

// Top-level in-document status codes shared across commands.
const (
	StatusOK              = 1
	StatusMalformed       = 102
	StatusServerError     = 110
	StatusServerBusy      = 111
	StatusAccessDenied    = 126
	StatusPolicyRefresh   = 142
	StatusPolicyKeyBad    = 143
	StatusPolicyKeyGone   = 144
	StatusTooManyFolders  = 167
	StatusItemNotFound    = 150
	StatusDeviceBlocked   = 177
)

// topLevelStatusEvents is the base mapping from a decoded document's
// top-level status to the event posted to the parent machine. Codes absent
// here yield statemachine.EvUnhandled, which routes the response to the
// command's ProcessResponse override.
var topLevelStatusEvents = map[int]statemachine.Event{
	StatusMalformed:      statemachine.EvHardFail,
	StatusServerError:    statemachine.EvTempFail,
	StatusServerBusy:     statemachine.EvTempFail,
	StatusAccessDenied:   statemachine.EvHardFail,
	StatusTooManyFolders: statemachine.EvHardFail,
	StatusItemNotFound:   statemachine.EvHardFail,
	StatusDeviceBlocked:  statemachine.EvHardFail,
}

// provisioningStatuses are top-level statuses that demand a fresh policy
// key; they map onto the caller-provided ReProv event.
var provisioningStatuses = map[int]struct{}{
	StatusPolicyRefresh: {},
	StatusPolicyKeyBad:  {},
	StatusPolicyKeyGone: {},
}

// TopLevelStatusToEvent resolves a document status against the base table,
// substituting the EventSet's ReProv value for the provisioning statuses.
// Unmapped codes return statemachine.EvUnhandled, which is distinct from
// every real event.
func TopLevelStatusToEvent(status int,
	events EventSet,
) statemachine.Event {
	if _, ok := provisioningStatuses[status]; ok {
		return events.ReProv
	}

	if ev, ok := topLevelStatusEvents[status]; ok {
		return ev
	}

	return statemachine.EvUnhandled
}
