package delivery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paket-core/router/internal/storage/sqlite"
	"github.com/paket-core/router/pkg/delivery"
	"github.com/paket-core/router/pkg/escrow"
	"github.com/paket-core/router/pkg/ledger"
	"github.com/paket-core/router/pkg/notify"
	"github.com/paket-core/router/pkg/types"
)

const testPassphrase = "Test SDF Network ; September 2015"

// fakeLedger serves canned account state and sequence numbers.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]ledger.AccountInfo
	sequence int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: map[string]ledger.AccountInfo{}, sequence: 100}
}

func (f *fakeLedger) setAccount(pubkey string, bulStroops int64, trusted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[pubkey] = ledger.AccountInfo{
		Pubkey: pubkey, BULBalance: bulStroops, Trusted: trusted,
	}
}

func (f *fakeLedger) NextSequence(ctx context.Context, pubkey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sequence, nil
}

func (f *fakeLedger) SubmitEnvelope(ctx context.Context, envelopeXDR string) (ledger.SubmitResult, error) {
	return ledger.SubmitResult{Hash: "fakehash"}, nil
}

func (f *fakeLedger) PreauthHash(envelopeXDR string) ([]byte, error) {
	return make([]byte, 32), nil
}

func (f *fakeLedger) Account(ctx context.Context, pubkey string) (ledger.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[pubkey]
	if !ok {
		return ledger.AccountInfo{}, &ledger.SequenceError{Pubkey: pubkey}
	}
	return account, nil
}

// recordingNotifier captures every push for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	pushes []notify.Notification
	tokens [][]string
}

func (r *recordingNotifier) Push(ctx context.Context, tokens []string, notification notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, notification)
	r.tokens = append(r.tokens, tokens)
}

type testParties struct {
	launcher  types.KeyPair
	courier   types.KeyPair
	recipient types.KeyPair
	escrow    types.KeyPair
	issuer    types.KeyPair
}

func newTestParties(t *testing.T) testParties {
	t.Helper()
	newKey := func() types.KeyPair {
		key, err := types.NewKeyPair()
		require.NoError(t, err)
		return key
	}
	return testParties{
		launcher:  newKey(),
		courier:   newKey(),
		recipient: newKey(),
		escrow:    newKey(),
		issuer:    newKey(),
	}
}

func newTestService(t *testing.T, chain *fakeLedger, notifier notify.Notifier) (*delivery.Service, testParties) {
	t.Helper()
	parties := newTestParties(t)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	composer := escrow.NewComposer(chain, testPassphrase,
		ledger.Asset{Code: "BUL", Issuer: parties.issuer.Pubkey})

	opts := []delivery.Option{}
	if notifier != nil {
		opts = append(opts, delivery.WithNotifier(notifier))
	}
	return delivery.NewService(store, composer, chain, opts...), parties
}

func launchParams(parties testParties) delivery.LaunchParams {
	return delivery.LaunchParams{
		Contract: types.DeliveryContract{
			EscrowPubkey:    parties.escrow.Pubkey,
			LauncherPubkey:  parties.launcher.Pubkey,
			CourierPubkey:   parties.courier.Pubkey,
			RecipientPubkey: parties.recipient.Pubkey,
			Payment:         5,
			Collateral:      10,
			Deadline:        time.Now().Add(24 * time.Hour).Unix(),
		},
		Description:  "documents",
		FromLocation: "32.0853,34.7818",
		ToLocation:   "31.7683,35.2137",
		Location:     "32.0853,34.7818",
	}
}

func TestLaunchCreatesPackage(t *testing.T) {
	notifier := &recordingNotifier{}
	service, parties := newTestService(t, newFakeLedger(), notifier)
	ctx := context.Background()

	require.NoError(t, service.SetNotificationToken(ctx, parties.recipient.Pubkey, "recipient-device"))

	pkg, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	assert.Equal(t, types.StatusWaitingPickup, pkg.Status)
	assert.Equal(t, parties.launcher.Pubkey, pkg.CustodianPubkey)
	assert.Equal(t, types.RoleLauncher, pkg.UserRole)
	require.NotNil(t, pkg.EscrowTransactions)
	assert.NotEmpty(t, pkg.EscrowTransactions.SetOptions)
	assert.NotEmpty(t, pkg.EscrowTransactions.Refund)
	assert.NotEmpty(t, pkg.EscrowTransactions.Payment)
	assert.NotEmpty(t, pkg.EscrowTransactions.Merge)
	require.NotNil(t, pkg.LaunchDate)

	require.Len(t, pkg.Events, 2)
	assert.Equal(t, types.EventLaunched, pkg.Events[0].Type)
	assert.Equal(t, types.EventEscrowAssigned, pkg.Events[1].Type)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.pushes, 1)
	assert.Equal(t, 100, notifier.pushes[0].Code)
	assert.Equal(t, []string{"recipient-device"}, notifier.tokens[0])
}

func TestLaunchRefusesDuplicateEscrow(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	_, err = service.Launch(ctx, launchParams(parties))
	assert.ErrorIs(t, err, delivery.ErrPackageExists)
}

func TestLaunchValidatesContract(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)

	params := launchParams(parties)
	params.Contract.Deadline = time.Now().Add(-time.Hour).Unix()
	_, err := service.Launch(context.Background(), params)
	assert.ErrorIs(t, err, types.ErrInvalidDeadline)
}

func TestAcceptCustodyTransitions(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	evt, err := service.Accept(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
		Location:     "32.1,34.8",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EventCouriered, evt.Type)

	pkg, err := service.Package(ctx, parties.escrow.Pubkey, parties.courier.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInTransit, pkg.Status)
	assert.Equal(t, parties.courier.Pubkey, pkg.CustodianPubkey)
	assert.Equal(t, types.RoleCourier, pkg.UserRole)

	evt, err = service.Accept(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.recipient.Pubkey,
		Location:     "31.8,35.2",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EventReceived, evt.Type)

	pkg, err = service.Package(ctx, parties.escrow.Pubkey, parties.recipient.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, pkg.Status)
	assert.Equal(t, parties.recipient.Pubkey, pkg.CustodianPubkey)
}

func TestAcceptUnknownPackage(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)

	_, err := service.Accept(context.Background(), delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
	})
	assert.ErrorIs(t, err, delivery.ErrUnknownPackage)
}

func TestAssignTransactionsAuthorization(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	// Launch already assigned the escrow bundle: a second launcher
	// assignment must be refused.
	bundle, err := json.Marshal(types.EscrowTransactions{SetOptions: "AAAA"})
	require.NoError(t, err)
	_, err = service.AssignTransactions(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.launcher.Pubkey,
		Kwargs:       bundle,
	})
	assert.ErrorIs(t, err, delivery.ErrDuplicateAssignment)

	// A stranger may not assign at all.
	stranger, err := types.NewKeyPair()
	require.NoError(t, err)
	_, err = service.AssignTransactions(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   stranger.Pubkey,
		Kwargs:       json.RawMessage(`{"relay": "AAAA"}`),
	})
	assert.ErrorIs(t, err, delivery.ErrUnauthorizedAssignment)

	// A past courier assigns relay bundles.
	_, err = service.Accept(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
	})
	require.NoError(t, err)

	evt, err := service.AssignTransactions(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
		Kwargs:       json.RawMessage(`{"relay": "AAAA"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, types.EventRelayAssigned, evt.Type)

	pkg, err := service.Package(ctx, parties.escrow.Pubkey, parties.courier.Pubkey)
	require.NoError(t, err)
	require.Len(t, pkg.RelayTransactions, 1)
	assert.JSONEq(t, `{"relay": "AAAA"}`, string(pkg.RelayTransactions[0]))
}

func TestAddEventGuardsAssignmentTypes(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	launched, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)
	require.NotNil(t, launched.EscrowTransactions)
	original := *launched.EscrowTransactions

	// A stranger must not smuggle an assignment in through the generic
	// event path.
	stranger, err := types.NewKeyPair()
	require.NoError(t, err)
	forged, err := json.Marshal(types.EscrowAssignedKwargs{
		EscrowTransactions: types.EscrowTransactions{SetOptions: "FORGED"},
	})
	require.NoError(t, err)
	_, err = service.AddEvent(ctx, types.EventEscrowAssigned, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   stranger.Pubkey,
		Kwargs:       forged,
	})
	assert.ErrorIs(t, err, delivery.ErrUnauthorizedAssignment)

	_, err = service.AddEvent(ctx, types.EventRelayAssigned, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   stranger.Pubkey,
		Kwargs:       json.RawMessage(`{"relay":"FORGED"}`),
	})
	assert.ErrorIs(t, err, delivery.ErrUnauthorizedAssignment)

	// The launcher still hits the duplicate gate.
	_, err = service.AddEvent(ctx, types.EventEscrowAssigned, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.launcher.Pubkey,
		Kwargs:       json.RawMessage(`{"set_options_transaction":"FORGED"}`),
	})
	assert.ErrorIs(t, err, delivery.ErrDuplicateAssignment)

	pkg, err := service.Package(ctx, parties.escrow.Pubkey, "")
	require.NoError(t, err)
	require.NotNil(t, pkg.EscrowTransactions)
	assert.Equal(t, original, *pkg.EscrowTransactions)
	assert.Empty(t, pkg.RelayTransactions)
}

func TestEventlessPackageWarns(t *testing.T) {
	parties := newTestParties(t)
	chain := newFakeLedger()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	composer := escrow.NewComposer(chain, testPassphrase,
		ledger.Asset{Code: "BUL", Issuer: parties.issuer.Pubkey})
	service := delivery.NewService(store, composer, chain, delivery.WithLogger(logger))

	// A package row with no events, as left behind by a crashed launch.
	require.NoError(t, store.CreatePackage(context.Background(), types.PackageRecord{
		EscrowPubkey:    parties.escrow.Pubkey,
		LauncherPubkey:  parties.launcher.Pubkey,
		RecipientPubkey: parties.recipient.Pubkey,
		Payment:         5,
		Collateral:      10,
		Deadline:        time.Now().Add(24 * time.Hour).Unix(),
	}))

	pkg, err := service.Package(context.Background(), parties.escrow.Pubkey, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, pkg.Status)
	assert.Empty(t, pkg.CustodianPubkey)
	assert.Contains(t, logs.String(), "eventless package")
}

func TestMyPackagesRoles(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	launcherView, err := service.MyPackages(ctx, parties.launcher.Pubkey)
	require.NoError(t, err)
	require.Len(t, launcherView, 1)
	assert.Equal(t, types.RoleLauncher, launcherView[0].UserRole)

	recipientView, err := service.MyPackages(ctx, parties.recipient.Pubkey)
	require.NoError(t, err)
	require.Len(t, recipientView, 1)
	assert.Equal(t, types.RoleRecipient, recipientView[0].UserRole)

	courierView, err := service.MyPackages(ctx, parties.courier.Pubkey)
	require.NoError(t, err)
	assert.Empty(t, courierView)

	_, err = service.Accept(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
	})
	require.NoError(t, err)

	courierView, err = service.MyPackages(ctx, parties.courier.Pubkey)
	require.NoError(t, err)
	require.Len(t, courierView, 1)
	assert.Equal(t, types.RoleCourier, courierView[0].UserRole)
}

func TestAvailablePackages(t *testing.T) {
	chain := newFakeLedger()
	service, parties := newTestService(t, chain, nil)
	ctx := context.Background()

	// Launcher holds more than the payment, so the package is solvent.
	chain.setAccount(parties.launcher.Pubkey, 100*10_000_000, true)

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	nearby, err := service.AvailablePackages(ctx, "32.09,34.78", 5)
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	require.NotNil(t, nearby[0].LauncherSolvency)
	assert.True(t, *nearby[0].LauncherSolvency)

	// Position reports do not change availability.
	_, err = service.ChangedLocation(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.launcher.Pubkey,
		Location:     "32.09,34.79",
	})
	require.NoError(t, err)
	nearby, err = service.AvailablePackages(ctx, "32.09,34.78", 5)
	require.NoError(t, err)
	assert.Len(t, nearby, 1)

	// Too far away.
	faraway, err := service.AvailablePackages(ctx, "48.8566,2.3522", 5)
	require.NoError(t, err)
	assert.Empty(t, faraway)

	// Once couriered the package is off the market until a relay is
	// requested.
	_, err = service.Accept(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
	})
	require.NoError(t, err)
	nearby, err = service.AvailablePackages(ctx, "32.09,34.78", 5)
	require.NoError(t, err)
	assert.Empty(t, nearby)

	_, err = service.RequestRelay(ctx, delivery.EventParams{
		EscrowPubkey: parties.escrow.Pubkey,
		UserPubkey:   parties.courier.Pubkey,
	})
	require.NoError(t, err)
	nearby, err = service.AvailablePackages(ctx, "32.09,34.78", 5)
	require.NoError(t, err)
	assert.Len(t, nearby, 1)
}

func TestVerifyDeposit(t *testing.T) {
	chain := newFakeLedger()
	service, parties := newTestService(t, chain, nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	// No escrow account on the ledger yet.
	pkg, err := service.VerifyDeposit(ctx, parties.escrow.Pubkey, parties.launcher.Pubkey)
	require.NoError(t, err)
	require.NotNil(t, pkg.CorrectlyDeposited)
	assert.False(t, *pkg.PaymentDeposited)
	assert.False(t, *pkg.CollateralDeposited)
	assert.False(t, *pkg.CorrectlyDeposited)

	// Exactly payment plus collateral deposited.
	chain.setAccount(parties.escrow.Pubkey, 15*10_000_000, true)
	pkg, err = service.VerifyDeposit(ctx, parties.escrow.Pubkey, parties.launcher.Pubkey)
	require.NoError(t, err)
	assert.True(t, *pkg.PaymentDeposited)
	assert.True(t, *pkg.CollateralDeposited)
	assert.True(t, *pkg.CorrectlyDeposited)

	// Only the payment covered.
	chain.setAccount(parties.escrow.Pubkey, 5*10_000_000, true)
	pkg, err = service.VerifyDeposit(ctx, parties.escrow.Pubkey, parties.launcher.Pubkey)
	require.NoError(t, err)
	assert.True(t, *pkg.PaymentDeposited)
	assert.False(t, *pkg.CollateralDeposited)
	assert.False(t, *pkg.CorrectlyDeposited)
}

func TestPackageShortIDAndURLs(t *testing.T) {
	service, parties := newTestService(t, newFakeLedger(), nil)
	ctx := context.Background()

	_, err := service.Launch(ctx, launchParams(parties))
	require.NoError(t, err)

	pkg, err := service.Package(ctx, parties.escrow.Pubkey, "")
	require.NoError(t, err)
	suffix := parties.escrow.Pubkey[len(parties.escrow.Pubkey)-3:]
	assert.Equal(t, "XX-"+suffix, pkg.ShortID)
	assert.Contains(t, pkg.BlockchainURL, parties.escrow.Pubkey)
	assert.Contains(t, pkg.PaketURL, parties.escrow.Pubkey)
}
