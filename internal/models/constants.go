package models

// Channel types understood by the adapter registry.
const (
	ChannelAgoda      = "AGODA"
	ChannelBookingCom = "BOOKING_COM"
	ChannelExpedia    = "EXPEDIA"
	ChannelTraveloka  = "TRAVELOKA"
	ChannelB2B        = "B2B"

	// ChannelDirect marks bookings sold by the hotel itself (front desk, website, walk-in).
	ChannelDirect = "DIRECT"
)

// Connection statuses.
const (
	ConnectionPending  = "PENDING"
	ConnectionActive   = "ACTIVE"
	ConnectionDegraded = "DEGRADED"
	ConnectionInactive = "INACTIVE"
)

// Canonical booking statuses produced by adapters.
const (
	BookingConfirmed = "CONFIRMED"
	BookingCancelled = "CANCELLED"
	BookingModified  = "MODIFIED"
)

// Booking sources.
const (
	SourceChannel = "CHANNEL"
	SourceDirect  = "DIRECT"
)

// Sync log operations.
const (
	OpPushInventory  = "PUSH_INVENTORY"
	OpPushRates      = "PUSH_RATES"
	OpPullBookings   = "PULL_BOOKINGS"
	OpWebhook        = "WEBHOOK"
	OpValidate       = "VALIDATE"
	OpCancelUpstream = "CANCEL_UPSTREAM"
)

// ErrorKind classifies a failed sync attempt.
type ErrorKind string

const (
	ErrorNone       ErrorKind = ""
	ErrorConfig     ErrorKind = "CONFIG"
	ErrorCredential ErrorKind = "CREDENTIAL"
	ErrorTransient  ErrorKind = "TRANSIENT"
	ErrorTimeout    ErrorKind = "TIMEOUT"
	ErrorConflict   ErrorKind = "CONFLICT"
	ErrorMalformed  ErrorKind = "MALFORMED"

	// ErrorContention means another worker held the connection lock. It says
	// nothing about the channel itself.
	ErrorContention ErrorKind = "CONTENTION"
)

// CountsTowardHealth reports whether a failure of this kind should push the
// connection towards DEGRADED. Conflicts and bad payloads are normal traffic.
func (k ErrorKind) CountsTowardHealth() bool {
	switch k {
	case ErrorTransient, ErrorTimeout, ErrorCredential:
		return true
	default:
		return false
	}
}

// Retryable reports whether the caller may retry the same operation later.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTransient || k == ErrorTimeout || k == ErrorContention
}

// Reconciliation outcomes recorded on sync log rows.
const (
	OutcomeDuplicate  = "DUPLICATE"
	OutcomeConflicted = "CONFLICTED"
	OutcomeCommitted  = "COMMITTED"
	OutcomeModified   = "MODIFIED"
	OutcomeCancelled  = "CANCELLED"
	OutcomeDiscarded  = "DISCARDED"
)

const (
	// DateLayout is the wire and storage format for stay dates.
	DateLayout = "2006-01-02"

	// WorkerQueueSize is the in-memory task channel size of the sync worker.
	WorkerQueueSize = 128

	// DefaultFailureThreshold consecutive failures move a connection to DEGRADED.
	DefaultFailureThreshold = 5
)
