package types

import (
	"encoding/json"
	"time"
)

// PackageStatus is derived from the set of event types seen so far, by
// priority: received > couriered > launched > none. Received is terminal.
type PackageStatus string

const (
	StatusUnknown       PackageStatus = "unknown"
	StatusWaitingPickup PackageStatus = "waiting pickup"
	StatusInTransit     PackageStatus = "in transit"
	StatusDelivered     PackageStatus = "delivered"
)

// UserRole is the viewing user's role in a delivery.
type UserRole string

const (
	RoleUnknown   UserRole = "unknown"
	RoleLauncher  UserRole = "launcher"
	RoleCourier   UserRole = "courier"
	RoleRecipient UserRole = "recipient"
)

// PackageRecord is the static row created at launch. It never changes
// afterwards; everything dynamic lives in the event log.
type PackageRecord struct {
	EscrowPubkey     string `json:"escrow_pubkey"`
	LauncherPubkey   string `json:"launcher_pubkey"`
	RecipientPubkey  string `json:"recipient_pubkey"`
	LauncherContact  string `json:"launcher_contact,omitempty"`
	RecipientContact string `json:"recipient_contact,omitempty"`
	Payment          uint64 `json:"payment"`
	Collateral       uint64 `json:"collateral"`
	Deadline         int64  `json:"deadline"`
	Description      string `json:"description,omitempty"`
	FromLocation     string `json:"from_location,omitempty"`
	ToLocation       string `json:"to_location,omitempty"`
	FromAddress      string `json:"from_address,omitempty"`
	ToAddress        string `json:"to_address,omitempty"`
}

// Package is the read model of a delivery, computed fresh from the event
// log on every read. It has no identity or storage of its own.
type Package struct {
	PackageRecord

	ShortID            string              `json:"short_package_id,omitempty"`
	Status             PackageStatus       `json:"status"`
	CustodianPubkey    string              `json:"custodian_pubkey,omitempty"`
	LaunchDate         *time.Time          `json:"launch_date,omitempty"`
	UserRole           UserRole            `json:"user_role,omitempty"`
	EscrowTransactions *EscrowTransactions `json:"escrow_transactions,omitempty"`
	RelayTransactions  []json.RawMessage   `json:"relay_transactions,omitempty"`
	Events             []Event             `json:"events"`
	BlockchainURL      string              `json:"blockchain_url,omitempty"`
	PaketURL           string              `json:"paket_url,omitempty"`

	// Optional ledger verification results, filled by the service when
	// requested. Nil means not checked.
	LauncherSolvency    *bool `json:"launcher_solvency,omitempty"`
	PaymentDeposited    *bool `json:"payment_deposited,omitempty"`
	CollateralDeposited *bool `json:"collateral_deposited,omitempty"`
	CorrectlyDeposited  *bool `json:"correctly_deposited,omitempty"`
}
