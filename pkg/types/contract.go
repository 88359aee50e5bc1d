package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidDeadline is returned when a contract's deadline is not
// strictly in the future. It is checked before composing, instead of
// letting the ledger reject the timelocked envelopes later.
var ErrInvalidDeadline = errors.New("deadline is not in the future")

// ErrAmountOverflow is returned when payment plus collateral does not
// fit in a uint64. The sum is baked into the refund and payment
// envelopes, so it must be computable.
var ErrAmountOverflow = errors.New("payment and collateral amounts overflow")

// DeliveryContract fixes the parties and funds of a single delivery.
// Amounts are whole BUL units. A contract is immutable once envelopes
// have been generated from it: the amounts and parties are baked into
// the transaction bodies that get signed.
type DeliveryContract struct {
	EscrowPubkey    string `json:"escrow_pubkey"`
	LauncherPubkey  string `json:"launcher_pubkey"`
	CourierPubkey   string `json:"courier_pubkey"`
	RecipientPubkey string `json:"recipient_pubkey"`
	Payment         uint64 `json:"payment"`
	Collateral      uint64 `json:"collateral"`
	Deadline        int64  `json:"deadline"`
}

// Validate checks the contract before any envelope is built.
func (c DeliveryContract) Validate(now time.Time) error {
	for _, party := range []struct {
		name   string
		pubkey string
	}{
		{"escrow", c.EscrowPubkey},
		{"launcher", c.LauncherPubkey},
		{"courier", c.CourierPubkey},
		{"recipient", c.RecipientPubkey},
	} {
		if party.pubkey == "" {
			return fmt.Errorf("%s pubkey is required", party.name)
		}
	}
	if c.Payment > math.MaxUint64-c.Collateral {
		return ErrAmountOverflow
	}
	if c.Deadline <= now.Unix() {
		return ErrInvalidDeadline
	}
	return nil
}
