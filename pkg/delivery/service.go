// Package delivery coordinates the delivery lifecycle: launching
// packages with their escrow bundles, recording custody events and
// serving projected package state.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paket-core/router/internal/storage/sqlite"
	"github.com/paket-core/router/pkg/escrow"
	"github.com/paket-core/router/pkg/ledger"
	"github.com/paket-core/router/pkg/notify"
	"github.com/paket-core/router/pkg/projection"
	"github.com/paket-core/router/pkg/types"
)

const (
	blockchainURLFormat = "https://testnet.steexp.com/account/%s#signing"
	paketURLFormat      = "https://paket.global/paket/%s"

	// DefaultAvailableRadiusKM bounds courier package discovery.
	DefaultAvailableRadiusKM = 5.0

	defaultCacheSize = 1024
)

var (
	// ErrPackageExists rejects launching a second package on an escrow
	// account that already carries one.
	ErrPackageExists = errors.New("package already exists for escrow account")

	// ErrUnknownPackage reports an escrow pubkey with no package row.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrDuplicateAssignment rejects a second escrow bundle assignment.
	// The first assigned bundle is authoritative forever.
	ErrDuplicateAssignment = errors.New("package already has escrow transactions assigned")

	// ErrUnauthorizedAssignment rejects assignment by a user who is
	// neither the launcher nor a past courier of the package.
	ErrUnauthorizedAssignment = errors.New("user unauthorized to assign transactions")
)

// Store is the persistence surface the service needs.
type Store interface {
	CreatePackage(ctx context.Context, record types.PackageRecord) error
	Package(ctx context.Context, escrowPubkey string) (types.PackageRecord, error)
	Packages(ctx context.Context) ([]types.PackageRecord, error)
	PackagesByLauncher(ctx context.Context, pubkey string) ([]types.PackageRecord, error)
	PackagesByRecipient(ctx context.Context, pubkey string) ([]types.PackageRecord, error)
	PackagesByCourier(ctx context.Context, pubkey string) ([]types.PackageRecord, error)
	AppendEvent(ctx context.Context, evt types.Event, photo []byte) (types.Event, error)
	PackageEvents(ctx context.Context, escrowPubkey string) ([]types.Event, error)
	EventsBetween(ctx context.Context, from, till time.Time) ([]types.Event, error)
	LatestEventID(ctx context.Context, escrowPubkey string) (int64, error)
	Photo(ctx context.Context, photoID int64) ([]byte, error)
	PackagePhoto(ctx context.Context, escrowPubkey string) ([]byte, error)
	SetNotificationToken(ctx context.Context, userPubkey, token string) error
	RemoveNotificationToken(ctx context.Context, userPubkey, token string) error
	ActiveTokens(ctx context.Context, userPubkey string) ([]string, error)
}

// Service is the router's application core.
type Service struct {
	store    Store
	composer *escrow.Composer
	ledger   ledger.Client
	notifier notify.Notifier
	geocoder Geocoder
	cache    *projectionCache
	launches singleflight.Group
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(notifier notify.Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

func WithGeocoder(geocoder Geocoder) Option {
	return func(s *Service) { s.geocoder = geocoder }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithCacheSize(size int) Option {
	return func(s *Service) {
		cache, err := newProjectionCache(size)
		if err == nil {
			s.cache = cache
		}
	}
}

func NewService(store Store, composer *escrow.Composer, client ledger.Client, opts ...Option) *Service {
	s := &Service{
		store:    store,
		composer: composer,
		ledger:   client,
		notifier: notify.Nop{},
		geocoder: NopGeocoder{},
		logger:   slog.Default(),
	}
	s.cache, _ = newProjectionCache(defaultCacheSize)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LaunchParams describes a new delivery.
type LaunchParams struct {
	Contract types.DeliveryContract

	LauncherContact  string
	RecipientContact string
	Description      string
	FromLocation     string
	ToLocation       string
	FromAddress      string
	ToAddress        string

	// Location is where the launch event happened, usually the
	// launcher's current position.
	Location string
	Photo    []byte
}

// Launch creates a package: composes the four escrow envelopes, writes
// the package row and appends the launched and assignment events.
// Concurrent launches on the same escrow account are collapsed so the
// escrow's sequence numbers are claimed exactly once.
func (s *Service) Launch(ctx context.Context, params LaunchParams) (types.Package, error) {
	contract := params.Contract
	if err := contract.Validate(time.Now()); err != nil {
		return types.Package{}, err
	}

	result, err, _ := s.launches.Do(contract.EscrowPubkey, func() (any, error) {
		return s.launch(ctx, params)
	})
	if err != nil {
		return types.Package{}, err
	}
	pkg := result.(types.Package)

	s.pushNotification(ctx, types.EventLaunched, pkg)
	return pkg, nil
}

func (s *Service) launch(ctx context.Context, params LaunchParams) (any, error) {
	contract := params.Contract
	if _, err := s.store.Package(ctx, contract.EscrowPubkey); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, contract.EscrowPubkey)
	} else if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, err
	}

	bundle, err := s.composer.Compose(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("compose escrow transactions: %w", err)
	}

	record := types.PackageRecord{
		EscrowPubkey:     contract.EscrowPubkey,
		LauncherPubkey:   contract.LauncherPubkey,
		RecipientPubkey:  contract.RecipientPubkey,
		LauncherContact:  params.LauncherContact,
		RecipientContact: params.RecipientContact,
		Payment:          contract.Payment,
		Collateral:       contract.Collateral,
		Deadline:         contract.Deadline,
		Description:      params.Description,
		FromLocation:     params.FromLocation,
		ToLocation:       params.ToLocation,
		FromAddress:      params.FromAddress,
		ToAddress:        params.ToAddress,
	}
	if err := s.store.CreatePackage(ctx, record); err != nil {
		if errors.Is(err, sqlite.ErrPackageExists) {
			return nil, fmt.Errorf("%w: %s", ErrPackageExists, contract.EscrowPubkey)
		}
		return nil, err
	}

	if _, err := s.store.AppendEvent(ctx, types.Event{
		UserPubkey:   contract.LauncherPubkey,
		Type:         types.EventLaunched,
		Location:     params.Location,
		EscrowPubkey: contract.EscrowPubkey,
	}, params.Photo); err != nil {
		return nil, err
	}

	kwargs, err := json.Marshal(types.EscrowAssignedKwargs{EscrowTransactions: bundle})
	if err != nil {
		return nil, err
	}
	if _, err := s.store.AppendEvent(ctx, types.Event{
		UserPubkey:   contract.LauncherPubkey,
		Type:         types.EventEscrowAssigned,
		Location:     params.Location,
		EscrowPubkey: contract.EscrowPubkey,
		Kwargs:       kwargs,
	}, nil); err != nil {
		return nil, err
	}

	s.logger.Info("package launched",
		"escrow", contract.EscrowPubkey,
		"launcher", contract.LauncherPubkey,
		"payment", contract.Payment,
		"collateral", contract.Collateral)

	return s.Package(ctx, contract.EscrowPubkey, contract.LauncherPubkey)
}

// EventParams describes one custody event to record.
type EventParams struct {
	EscrowPubkey string
	UserPubkey   string
	Location     string
	Kwargs       json.RawMessage
	Photo        []byte
}

// Accept records custody acceptance: by the recipient it closes the
// delivery as received, by anyone else it marks custody in transit.
func (s *Service) Accept(ctx context.Context, params EventParams) (types.Event, error) {
	record, err := s.packageRecord(ctx, params.EscrowPubkey)
	if err != nil {
		return types.Event{}, err
	}
	eventType := types.EventCouriered
	if params.UserPubkey == record.RecipientPubkey {
		eventType = types.EventReceived
	}
	return s.appendEvent(ctx, eventType, params, true)
}

// ConfirmCouriering records that the user commits to courier the
// package.
func (s *Service) ConfirmCouriering(ctx context.Context, params EventParams) (types.Event, error) {
	if _, err := s.packageRecord(ctx, params.EscrowPubkey); err != nil {
		return types.Event{}, err
	}
	return s.appendEvent(ctx, types.EventCourierConfirmed, params, true)
}

// RequestRelay marks the package as awaiting a relay courier.
func (s *Service) RequestRelay(ctx context.Context, params EventParams) (types.Event, error) {
	if _, err := s.packageRecord(ctx, params.EscrowPubkey); err != nil {
		return types.Event{}, err
	}
	return s.appendEvent(ctx, types.EventRelayRequired, params, false)
}

// ChangedLocation records a position report for the package.
func (s *Service) ChangedLocation(ctx context.Context, params EventParams) (types.Event, error) {
	if _, err := s.packageRecord(ctx, params.EscrowPubkey); err != nil {
		return types.Event{}, err
	}
	return s.appendEvent(ctx, types.EventLocationChanged, params, false)
}

// AddEvent records an arbitrary event. Package association is optional:
// events without an escrow pubkey are user level. Assignment event types
// carry authorization and duplicate rules and always take the
// AssignTransactions path, whatever route they arrive on.
func (s *Service) AddEvent(ctx context.Context, eventType types.EventType, params EventParams) (types.Event, error) {
	switch eventType {
	case types.EventEscrowAssigned, types.EventRelayAssigned:
		return s.AssignTransactions(ctx, params)
	}
	if params.EscrowPubkey != "" {
		if _, err := s.packageRecord(ctx, params.EscrowPubkey); err != nil {
			return types.Event{}, err
		}
	}
	return s.appendEvent(ctx, eventType, params, true)
}

// AssignTransactions attaches prepared transactions to the package. The
// launcher assigns the escrow bundle exactly once; past couriers may
// assign relay bundles; everyone else is refused.
func (s *Service) AssignTransactions(ctx context.Context, params EventParams) (types.Event, error) {
	record, err := s.packageRecord(ctx, params.EscrowPubkey)
	if err != nil {
		return types.Event{}, err
	}
	events, err := s.store.PackageEvents(ctx, params.EscrowPubkey)
	if err != nil {
		return types.Event{}, err
	}

	switch {
	case params.UserPubkey == record.LauncherPubkey:
		pkg := projection.Project(record, events, params.UserPubkey, "")
		if pkg.EscrowTransactions != nil {
			return types.Event{}, fmt.Errorf("%w: %s", ErrDuplicateAssignment, params.EscrowPubkey)
		}
		var bundle types.EscrowTransactions
		if err := json.Unmarshal(params.Kwargs, &bundle); err != nil {
			return types.Event{}, fmt.Errorf("parse escrow transactions: %w", err)
		}
		kwargs, err := json.Marshal(types.EscrowAssignedKwargs{EscrowTransactions: bundle})
		if err != nil {
			return types.Event{}, err
		}
		params.Kwargs = kwargs
		return s.appendEvent(ctx, types.EventEscrowAssigned, params, false)

	case projection.HasCouriered(events, params.UserPubkey):
		kwargs, err := json.Marshal(types.RelayAssignedKwargs{RelayTransactions: params.Kwargs})
		if err != nil {
			return types.Event{}, err
		}
		params.Kwargs = kwargs
		return s.appendEvent(ctx, types.EventRelayAssigned, params, false)

	default:
		return types.Event{}, fmt.Errorf("%w: %s", ErrUnauthorizedAssignment, params.UserPubkey)
	}
}

func (s *Service) appendEvent(ctx context.Context, eventType types.EventType, params EventParams, push bool) (types.Event, error) {
	evt, err := s.store.AppendEvent(ctx, types.Event{
		UserPubkey:   params.UserPubkey,
		Type:         eventType,
		Location:     params.Location,
		EscrowPubkey: params.EscrowPubkey,
		Kwargs:       params.Kwargs,
	}, params.Photo)
	if err != nil {
		return types.Event{}, err
	}

	if push && params.EscrowPubkey != "" {
		if pkg, err := s.Package(ctx, params.EscrowPubkey, ""); err == nil {
			s.pushNotification(ctx, eventType, pkg)
		}
	}
	return evt, nil
}

// Package returns the projected state of a package as seen by
// viewerPubkey. Projections are cached per event-log head.
func (s *Service) Package(ctx context.Context, escrowPubkey, viewerPubkey string) (types.Package, error) {
	return s.packageWithRole(ctx, escrowPubkey, viewerPubkey, "")
}

func (s *Service) packageWithRole(ctx context.Context, escrowPubkey, viewerPubkey string, roleOverride types.UserRole) (types.Package, error) {
	latestID, err := s.store.LatestEventID(ctx, escrowPubkey)
	if err != nil {
		return types.Package{}, err
	}

	key := cacheKey{EscrowPubkey: escrowPubkey, LatestEventID: latestID}
	entry, ok := s.cache.get(key)
	if !ok {
		record, err := s.packageRecord(ctx, escrowPubkey)
		if err != nil {
			return types.Package{}, err
		}
		events, err := s.store.PackageEvents(ctx, escrowPubkey)
		if err != nil {
			return types.Package{}, err
		}
		entry = cacheEntry{Record: record, Events: events}
		s.cache.put(key, entry)
	}

	// A package row with no events should not happen: launch appends
	// the launched event in the same flow.
	if len(entry.Events) == 0 {
		s.logger.Warn("eventless package", "escrow", escrowPubkey)
	}

	pkg := projection.Project(entry.Record, entry.Events, viewerPubkey, roleOverride)
	s.decorate(ctx, &pkg)
	return pkg, nil
}

// MyPackages lists the user's packages in each of their roles. A package
// may appear more than once when the user holds several roles in it.
func (s *Service) MyPackages(ctx context.Context, userPubkey string) ([]types.Package, error) {
	var packages []types.Package
	for _, part := range []struct {
		role  types.UserRole
		query func(context.Context, string) ([]types.PackageRecord, error)
	}{
		{types.RoleLauncher, s.store.PackagesByLauncher},
		{types.RoleRecipient, s.store.PackagesByRecipient},
		{types.RoleCourier, s.store.PackagesByCourier},
	} {
		records, err := part.query(ctx, userPubkey)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			pkg, err := s.packageWithRole(ctx, record.EscrowPubkey, userPubkey, part.role)
			if err != nil {
				return nil, err
			}
			packages = append(packages, pkg)
		}
	}
	return packages, nil
}

// AllPackages lists every package without a viewer perspective.
func (s *Service) AllPackages(ctx context.Context) ([]types.Package, error) {
	records, err := s.store.Packages(ctx)
	if err != nil {
		return nil, err
	}
	packages := make([]types.Package, 0, len(records))
	for _, record := range records {
		pkg, err := s.Package(ctx, record.EscrowPubkey, "")
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// AvailablePackages lists packages a courier near location could pick
// up: the last custody event (position reports aside) left the package
// waiting for a courier, the deadline has not passed, and the pickup
// point is within radiusKM. Launcher solvency is checked so couriers do
// not chase unfunded deliveries.
func (s *Service) AvailablePackages(ctx context.Context, location string, radiusKM float64) ([]types.Package, error) {
	if radiusKM <= 0 {
		radiusKM = DefaultAvailableRadiusKM
	}
	records, err := s.store.Packages(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var available []types.Package
	for _, record := range records {
		if record.Deadline <= now {
			continue
		}
		events, err := s.store.PackageEvents(ctx, record.EscrowPubkey)
		if err != nil {
			return nil, err
		}
		if !awaitingCourier(events) {
			continue
		}
		if record.FromLocation != "" && location != "" {
			distance, err := Haversine(location, record.FromLocation)
			if err != nil || distance > radiusKM {
				continue
			}
		}
		pkg, err := s.Package(ctx, record.EscrowPubkey, "")
		if err != nil {
			return nil, err
		}
		solvent := s.launcherSolvent(ctx, record)
		pkg.LauncherSolvency = &solvent
		available = append(available, pkg)
	}
	return available, nil
}

// awaitingCourier reports whether the last event, ignoring position
// reports, left the package waiting for a courier.
func awaitingCourier(events []types.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == types.EventLocationChanged {
			continue
		}
		return events[i].Type == types.EventLaunched || events[i].Type == types.EventRelayRequired
	}
	return false
}

// VerifyDeposit checks the escrow account holds the expected token
// deposit and reports the projection with the deposit fields filled.
func (s *Service) VerifyDeposit(ctx context.Context, escrowPubkey, viewerPubkey string) (types.Package, error) {
	pkg, err := s.Package(ctx, escrowPubkey, viewerPubkey)
	if err != nil {
		return types.Package{}, err
	}

	paymentDeposited, collateralDeposited, correctlyDeposited := false, false, false
	if account, err := s.ledger.Account(ctx, escrowPubkey); err == nil && account.Trusted {
		payment := tokenStroops(pkg.Payment)
		total := tokenStroops(pkg.Payment + pkg.Collateral)
		paymentDeposited = account.BULBalance >= payment
		collateralDeposited = account.BULBalance >= total
		correctlyDeposited = account.BULBalance == total
	}
	pkg.PaymentDeposited = &paymentDeposited
	pkg.CollateralDeposited = &collateralDeposited
	pkg.CorrectlyDeposited = &correctlyDeposited
	return pkg, nil
}

func (s *Service) launcherSolvent(ctx context.Context, record types.PackageRecord) bool {
	account, err := s.ledger.Account(ctx, record.LauncherPubkey)
	if err != nil || !account.Trusted {
		return false
	}
	return account.BULBalance >= tokenStroops(record.Payment)
}

// Events lists all events, package or user level, within [from, till],
// newest first.
func (s *Service) Events(ctx context.Context, from, till time.Time) ([]types.Event, error) {
	return s.store.EventsBetween(ctx, from, till)
}

// Photo fetches an event photo by id.
func (s *Service) Photo(ctx context.Context, photoID int64) ([]byte, error) {
	return s.store.Photo(ctx, photoID)
}

// PackagePhoto fetches the photo taken at launch.
func (s *Service) PackagePhoto(ctx context.Context, escrowPubkey string) ([]byte, error) {
	if _, err := s.packageRecord(ctx, escrowPubkey); err != nil {
		return nil, err
	}
	return s.store.PackagePhoto(ctx, escrowPubkey)
}

// SetNotificationToken registers a push token for the user's devices.
func (s *Service) SetNotificationToken(ctx context.Context, userPubkey, token string) error {
	return s.store.SetNotificationToken(ctx, userPubkey, token)
}

// RemoveNotificationToken deactivates a push token.
func (s *Service) RemoveNotificationToken(ctx context.Context, userPubkey, token string) error {
	return s.store.RemoveNotificationToken(ctx, userPubkey, token)
}

func (s *Service) packageRecord(ctx context.Context, escrowPubkey string) (types.PackageRecord, error) {
	record, err := s.store.Package(ctx, escrowPubkey)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return types.PackageRecord{}, fmt.Errorf("%w: %s", ErrUnknownPackage, escrowPubkey)
		}
		return types.PackageRecord{}, err
	}
	return record, nil
}

// decorate fills the projection's peripheral presentation fields.
func (s *Service) decorate(ctx context.Context, pkg *types.Package) {
	pkg.BlockchainURL = fmt.Sprintf(blockchainURLFormat, pkg.EscrowPubkey)
	pkg.PaketURL = fmt.Sprintf(paketURLFormat, pkg.EscrowPubkey)

	countryCode := ""
	if pkg.ToLocation != "" {
		if code, err := s.geocoder.CountryCode(ctx, pkg.ToLocation); err == nil {
			countryCode = code
		}
	}
	pkg.ShortID = ShortPackageID(countryCode, pkg.EscrowPubkey)
}

// pushNotification fans a milestone event out to the interested party.
// Only custody milestones push; assignments and position reports are
// silent.
func (s *Service) pushNotification(ctx context.Context, eventType types.EventType, pkg types.Package) {
	var audience, title string
	switch eventType {
	case types.EventLaunched:
		audience = pkg.RecipientPubkey
		title = fmt.Sprintf("You have new package %s", pkg.ShortID)
	case types.EventCourierConfirmed:
		audience = pkg.LauncherPubkey
		title = fmt.Sprintf("Courier confirmed for package %s", pkg.ShortID)
	case types.EventCouriered:
		audience = pkg.RecipientPubkey
		title = fmt.Sprintf("Your package %s in transit", pkg.ShortID)
	case types.EventReceived:
		audience = pkg.LauncherPubkey
		title = fmt.Sprintf("Your package %s delivered", pkg.ShortID)
	default:
		return
	}

	tokens, err := s.store.ActiveTokens(ctx, audience)
	if err != nil {
		s.logger.Warn("fetch notification tokens", "user", audience, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}
	s.notifier.Push(ctx, tokens, notify.Notification{
		Title:          title,
		Body:           "Please check your Packages archive for more details",
		Code:           notify.Codes[eventType],
		ShortPackageID: pkg.ShortID,
	})
}

func tokenStroops(units uint64) int64 {
	return int64(units) * 10_000_000
}
