// Package projection derives package read models from event logs.
//
// Project is a pure function: the same record, events and viewer always
// yield the same Package, and replaying a log is idempotent. Nothing in
// here touches storage or the ledger.
package projection

import (
	"encoding/json"

	"github.com/paket-core/router/pkg/types"
)

// Project folds a package's ordered event log into its read model.
//
// events must be ordered by (timestamp, insertion id), the order the
// store returns them in. viewerPubkey selects whose role to derive; an
// empty viewer leaves the role unknown. roleOverride, when non-empty,
// wins over any derivation.
//
// A package with zero events is a data-integrity condition but not
// fatal: the result carries status unknown and no custodian, and the
// caller decides whether to warn.
func Project(record types.PackageRecord, events []types.Event, viewerPubkey string, roleOverride types.UserRole) types.Package {
	pkg := types.Package{
		PackageRecord: record,
		Status:        status(events),
		Events:        events,
	}

	if len(events) > 0 {
		pkg.CustodianPubkey = events[len(events)-1].UserPubkey
	}
	for _, evt := range events {
		if evt.Type == types.EventLaunched {
			launched := evt.Timestamp
			pkg.LaunchDate = &launched
			break
		}
	}

	extractTransactions(&pkg, events)
	pkg.UserRole = role(record, events, viewerPubkey, roleOverride)
	return pkg
}

// status recomputes delivery status from the set of event types seen so
// far, by priority. It deliberately ignores ordering and duplicates:
// received is terminal, couriered beats launched.
func status(events []types.Event) types.PackageStatus {
	seen := make(map[types.EventType]bool, len(events))
	for _, evt := range events {
		seen[evt.Type] = true
	}
	switch {
	case seen[types.EventReceived]:
		return types.StatusDelivered
	case seen[types.EventCouriered]:
		return types.StatusInTransit
	case seen[types.EventLaunched]:
		return types.StatusWaitingPickup
	default:
		return types.StatusUnknown
	}
}

// role derives the viewing user's role. An explicit override wins; then
// launcher and recipient by contract field; then courier for anyone who
// authored a couriered event.
func role(record types.PackageRecord, events []types.Event, viewerPubkey string, override types.UserRole) types.UserRole {
	if override != "" {
		return override
	}
	switch {
	case viewerPubkey == "":
		return types.RoleUnknown
	case viewerPubkey == record.LauncherPubkey:
		return types.RoleLauncher
	case viewerPubkey == record.RecipientPubkey:
		return types.RoleRecipient
	case HasCouriered(events, viewerPubkey):
		return types.RoleCourier
	default:
		return types.RoleUnknown
	}
}

// HasCouriered reports whether pubkey authored a couriered event. This
// is also the authorization gate for relay transaction assignment.
func HasCouriered(events []types.Event, pubkey string) bool {
	for _, evt := range events {
		if evt.Type == types.EventCouriered && evt.UserPubkey == pubkey {
			return true
		}
	}
	return false
}

// extractTransactions pulls the escrow bundle and any relay bundles out
// of assignment event kwargs. Malformed kwargs documents are skipped:
// the projection is best effort and must not fail a read.
func extractTransactions(pkg *types.Package, events []types.Event) {
	for _, evt := range events {
		switch evt.Type {
		case types.EventEscrowAssigned:
			if pkg.EscrowTransactions != nil {
				continue
			}
			var kwargs types.EscrowAssignedKwargs
			if err := json.Unmarshal(evt.Kwargs, &kwargs); err != nil {
				continue
			}
			bundle := kwargs.EscrowTransactions
			pkg.EscrowTransactions = &bundle
		case types.EventRelayAssigned:
			var kwargs types.RelayAssignedKwargs
			if err := json.Unmarshal(evt.Kwargs, &kwargs); err != nil {
				continue
			}
			pkg.RelayTransactions = append(pkg.RelayTransactions, kwargs.RelayTransactions)
		}
	}
}
