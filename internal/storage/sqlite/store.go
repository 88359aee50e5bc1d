// Package sqlite persists the router's packages and their append-only
// event logs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paket-core/router/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored timestamps compare correctly as
// strings. Microsecond precision, always UTC.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var (
	ErrNotFound      = errors.New("not found")
	ErrPackageExists = errors.New("package already exists")
)

// Store holds packages, events, event photos and notification tokens in
// a single sqlite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// CreatePackage inserts the static package row. Package rows are
// immutable: there is no update path.
func (s *Store) CreatePackage(ctx context.Context, record types.PackageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (
		     escrow_pubkey, launcher_pubkey, recipient_pubkey,
		     launcher_contact, recipient_contact, payment, collateral,
		     deadline, description, from_location, to_location,
		     from_address, to_address
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.EscrowPubkey, record.LauncherPubkey, record.RecipientPubkey,
		record.LauncherContact, record.RecipientContact, record.Payment, record.Collateral,
		record.Deadline, record.Description, record.FromLocation, record.ToLocation,
		record.FromAddress, record.ToAddress)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrPackageExists
		}
		return err
	}
	return nil
}

const packageColumns = `escrow_pubkey, launcher_pubkey, recipient_pubkey,
	launcher_contact, recipient_contact, payment, collateral, deadline,
	description, from_location, to_location, from_address, to_address`

func scanPackage(row interface{ Scan(...any) error }) (types.PackageRecord, error) {
	var record types.PackageRecord
	err := row.Scan(
		&record.EscrowPubkey, &record.LauncherPubkey, &record.RecipientPubkey,
		&record.LauncherContact, &record.RecipientContact, &record.Payment, &record.Collateral,
		&record.Deadline, &record.Description, &record.FromLocation, &record.ToLocation,
		&record.FromAddress, &record.ToAddress)
	return record, err
}

// Package fetches a package row by escrow pubkey.
func (s *Store) Package(ctx context.Context, escrowPubkey string) (types.PackageRecord, error) {
	record, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE escrow_pubkey = ?`,
		escrowPubkey))
	if err == sql.ErrNoRows {
		return types.PackageRecord{}, ErrNotFound
	}
	return record, err
}

// Packages lists all package rows.
func (s *Store) Packages(ctx context.Context) ([]types.PackageRecord, error) {
	return s.queryPackages(ctx, `SELECT `+packageColumns+` FROM packages`)
}

// PackagesByLauncher lists packages launched by pubkey.
func (s *Store) PackagesByLauncher(ctx context.Context, pubkey string) ([]types.PackageRecord, error) {
	return s.queryPackages(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE launcher_pubkey = ?`, pubkey)
}

// PackagesByRecipient lists packages addressed to pubkey.
func (s *Store) PackagesByRecipient(ctx context.Context, pubkey string) ([]types.PackageRecord, error) {
	return s.queryPackages(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE recipient_pubkey = ?`, pubkey)
}

// PackagesByCourier lists packages pubkey has couriered or confirmed
// couriering for, judged by the event log.
func (s *Store) PackagesByCourier(ctx context.Context, pubkey string) ([]types.PackageRecord, error) {
	return s.queryPackages(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE escrow_pubkey IN (
		     SELECT escrow_pubkey FROM events
		     WHERE event_type IN (?, ?) AND user_pubkey = ?)`,
		string(types.EventCouriered), string(types.EventCourierConfirmed), pubkey)
}

func (s *Store) queryPackages(ctx context.Context, query string, args ...any) ([]types.PackageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.PackageRecord
	for rows.Next() {
		record, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AppendEvent inserts an event, returning it with its assigned id and
// timestamp. The id is monotonically increasing and provides the
// insertion-order tie-break for equal timestamps. When photo is non-nil
// it is stored first and linked to the event.
func (s *Store) AppendEvent(ctx context.Context, evt types.Event, photo []byte) (types.Event, error) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, err
	}
	defer tx.Rollback()

	if photo != nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO photos (escrow_pubkey, event_type, photo) VALUES (?, ?, ?)`,
			evt.EscrowPubkey, string(evt.Type), photo)
		if err != nil {
			return types.Event{}, fmt.Errorf("store event photo: %w", err)
		}
		if evt.PhotoID, err = res.LastInsertId(); err != nil {
			return types.Event{}, err
		}
	}

	// User-level events have no package; NULL keeps the foreign key happy.
	var escrowPubkey any
	if evt.EscrowPubkey != "" {
		escrowPubkey = evt.EscrowPubkey
	}
	var kwargs any
	if len(evt.Kwargs) > 0 {
		kwargs = string(evt.Kwargs)
	}
	var photoID any
	if evt.PhotoID != 0 {
		photoID = evt.PhotoID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (timestamp, user_pubkey, event_type, location, escrow_pubkey, kwargs, photo_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.Timestamp.Format(timeLayout), evt.UserPubkey, string(evt.Type),
		evt.Location, escrowPubkey, kwargs, photoID)
	if err != nil {
		return types.Event{}, fmt.Errorf("append event: %w", err)
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return types.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Event{}, err
	}
	return evt, nil
}

const eventColumns = `id, timestamp, user_pubkey, event_type, location, escrow_pubkey, kwargs, photo_id`

// PackageEvents returns a package's full event log ordered by
// (timestamp, id).
func (s *Store) PackageEvents(ctx context.Context, escrowPubkey string) ([]types.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE escrow_pubkey = ? ORDER BY timestamp, id`, escrowPubkey)
}

// EventsBetween returns all events in [from, till], newest first.
func (s *Store) EventsBetween(ctx context.Context, from, till time.Time) ([]types.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE timestamp BETWEEN ? AND ? ORDER BY id DESC`,
		from.UTC().Format(timeLayout), till.UTC().Format(timeLayout))
}

// LatestEventID returns the id of a package's newest event, or zero when
// the log is empty. Cheap: used as the cache invalidation head.
func (s *Store) LatestEventID(ctx context.Context, escrowPubkey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events WHERE escrow_pubkey = ?`,
		escrowPubkey).Scan(&id)
	return id, err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var evt types.Event
		var timestamp string
		var escrowPubkey, kwargs sql.NullString
		var photoID sql.NullInt64
		if err := rows.Scan(&evt.ID, &timestamp, &evt.UserPubkey, (*string)(&evt.Type),
			&evt.Location, &escrowPubkey, &kwargs, &photoID); err != nil {
			return nil, err
		}
		if evt.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
			return nil, fmt.Errorf("parse event %d timestamp: %w", evt.ID, err)
		}
		evt.EscrowPubkey = escrowPubkey.String
		if kwargs.Valid {
			evt.Kwargs = []byte(kwargs.String)
		}
		evt.PhotoID = photoID.Int64
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Photo fetches an event photo by id.
func (s *Store) Photo(ctx context.Context, photoID int64) ([]byte, error) {
	var photo []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT photo FROM photos WHERE photo_id = ?`, photoID).Scan(&photo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return photo, err
}

// PackagePhoto fetches the photo attached at launch, if any.
func (s *Store) PackagePhoto(ctx context.Context, escrowPubkey string) ([]byte, error) {
	var photo []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT photo FROM photos
		 WHERE escrow_pubkey = ? AND event_type = ?
		 ORDER BY photo_id LIMIT 1`,
		escrowPubkey, string(types.EventLaunched)).Scan(&photo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return photo, err
}

// SetNotificationToken activates a push token for a user. Token state is
// itself append-only: the latest row for (user, token) wins.
func (s *Store) SetNotificationToken(ctx context.Context, userPubkey, token string) error {
	return s.writeTokenState(ctx, userPubkey, token, true)
}

// RemoveNotificationToken deactivates a push token for a user.
func (s *Store) RemoveNotificationToken(ctx context.Context, userPubkey, token string) error {
	return s.writeTokenState(ctx, userPubkey, token, false)
}

func (s *Store) writeTokenState(ctx context.Context, userPubkey, token string, active bool) error {
	var current bool
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM notification_tokens
		 WHERE user_pubkey = ? AND token = ?
		 ORDER BY id DESC LIMIT 1`, userPubkey, token).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if !active {
			return nil
		}
	case err != nil:
		return err
	case current == active:
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_tokens (user_pubkey, token, active, timestamp)
		 VALUES (?, ?, ?, ?)`,
		userPubkey, token, active, time.Now().UTC().Format(timeLayout))
	return err
}

// ActiveTokens returns a user's currently active push tokens.
func (s *Store) ActiveTokens(ctx context.Context, userPubkey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM (
		     SELECT token, active, MAX(id) FROM notification_tokens
		     WHERE user_pubkey = ? GROUP BY token
		 ) WHERE active = 1`, userPubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
