package types

import (
	"encoding/json"
	"time"
)

// EventType labels an entry in a package's event log.
type EventType string

const (
	EventLaunched         EventType = "launched"
	EventCourierConfirmed EventType = "courier_confirmed"
	EventCouriered        EventType = "couriered"
	EventRelayRequired    EventType = "relay_required"
	EventReceived         EventType = "received"
	EventLocationChanged  EventType = "location_changed"
	EventEscrowAssigned   EventType = "escrow_xdrs_assigned"
	EventRelayAssigned    EventType = "relay_xdrs_assigned"
)

// Event is one entry in a package's append-only event log. Events are
// never mutated or deleted; the log is totally ordered by timestamp with
// the insertion id breaking ties.
type Event struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	UserPubkey   string          `json:"user_pubkey"`
	Type         EventType       `json:"event_type"`
	Location     string          `json:"location"`
	EscrowPubkey string          `json:"escrow_pubkey,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	PhotoID      int64           `json:"photo_id,omitempty"`
}

// EscrowTransactions is the four-envelope bundle generated at launch.
// The envelopes are opaque base64 XDR strings and must be passed along
// byte for byte between build, sign and submit.
type EscrowTransactions struct {
	SetOptions string `json:"set_options_transaction"`
	Refund     string `json:"refund_transaction"`
	Payment    string `json:"payment_transaction"`
	Merge      string `json:"merge_transaction"`
}

// EscrowAssignedKwargs is the kwargs document of an escrow_xdrs_assigned
// event.
type EscrowAssignedKwargs struct {
	EscrowTransactions EscrowTransactions `json:"escrow_transactions"`
}

// RelayAssignedKwargs is the kwargs document of a relay_xdrs_assigned
// event. The relay bundle itself is passed through unparsed.
type RelayAssignedKwargs struct {
	RelayTransactions json.RawMessage `json:"relay_transactions"`
}
