package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/guilherme-santos/availsync"
)

const DriverName = "sqlite3"

// Storage keeps availability windows, meetings, the account credential and
// the last sync state.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	err := s.RunMigrations()
	if err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: creating directory: %w", err)
	}
	db, err := sql.Open(DriverName, path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	return NewStorage(db), nil
}

func (s Storage) Close() error {
	return s.db.Close()
}

func (s Storage) AvailabilityWindows(ctx context.Context) ([]availsync.AvailabilityWindow, error) {
	var windows []Window
	err := s.db.SelectContext(ctx, &windows, `
		SELECT id, weekday, start_time, end_time
		FROM availability_windows
		ORDER BY weekday, start_time, id
	`)
	if err != nil {
		return nil, err
	}

	var slots []Slot
	err = s.db.SelectContext(ctx, &slots, `
		SELECT id, window_id, starts_at, ends_at
		FROM slots
		ORDER BY starts_at, id
	`)
	if err != nil {
		return nil, err
	}
	byWindow := make(map[string][]availsync.Slot)
	for _, slot := range slots {
		byWindow[slot.WindowID] = append(byWindow[slot.WindowID], slot.Convert())
	}

	res := make([]availsync.AvailabilityWindow, len(windows))
	for i, w := range windows {
		res[i] = w.Convert(byWindow[w.ID])
	}
	return res, nil
}

// PutAvailabilityWindow stores the window replacing its whole slot list.
func (s Storage) PutAvailabilityWindow(ctx context.Context, w availsync.AvailabilityWindow) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO availability_windows (id, weekday, start_time, end_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
			SET weekday = excluded.weekday,
				start_time = excluded.start_time,
				end_time = excluded.end_time;
	`, w.ID, int(w.Weekday), int(w.StartTime), int(w.EndTime))
	if err != nil {
		return fmt.Errorf("window: %v", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM slots WHERE window_id = ?`, w.ID)
	if err != nil {
		return fmt.Errorf("slots: %v", err)
	}
	for _, slot := range w.Slots {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO slots (id, window_id, starts_at, ends_at)
			VALUES (?, ?, ?, ?)
		`, slot.ID, w.ID, slot.Start.UTC(), slot.End.UTC())
		if err != nil {
			return fmt.Errorf("slot %s: %v", slot.ID, err)
		}
	}
	return tx.Commit()
}

func (s Storage) ConfirmedMeetings(ctx context.Context) ([]*availsync.Meeting, error) {
	return s.meetings(ctx, `WHERE status = ?`, availsync.MeetingConfirmed.String())
}

func (s Storage) Meetings(ctx context.Context) ([]*availsync.Meeting, error) {
	return s.meetings(ctx, "")
}

func (s Storage) meetings(ctx context.Context, where string, args ...any) ([]*availsync.Meeting, error) {
	var meetings []Meeting
	err := s.db.SelectContext(ctx, &meetings, `
		SELECT id, title, starts_at, ends_at, status, has_conflict, conflict_details
		FROM meetings
		`+where+`
		ORDER BY starts_at, id
	`, args...)
	if err != nil {
		return nil, err
	}

	res := make([]*availsync.Meeting, len(meetings))
	for i, m := range meetings {
		res[i] = m.Convert()
	}
	return res, nil
}

func (s Storage) Meeting(ctx context.Context, id string) (*availsync.Meeting, error) {
	var m Meeting
	err := s.db.GetContext(ctx, &m, `
		SELECT id, title, starts_at, ends_at, status, has_conflict, conflict_details
		FROM meetings
		WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", id, availsync.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m.Convert(), nil
}

func (s Storage) PutMeeting(ctx context.Context, meeting *availsync.Meeting) error {
	m, err := newMeeting(meeting)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO meetings (id, title, starts_at, ends_at, status, has_conflict, conflict_details)
		VALUES (:id, :title, :starts_at, :ends_at, :status, :has_conflict, :conflict_details)
		ON CONFLICT(id) DO UPDATE
			SET title = excluded.title,
				starts_at = excluded.starts_at,
				ends_at = excluded.ends_at,
				status = excluded.status,
				has_conflict = excluded.has_conflict,
				conflict_details = excluded.conflict_details;
	`, m)
	return err
}

func (s Storage) SyncState(ctx context.Context) (availsync.SyncState, error) {
	var state SyncState
	err := s.db.GetContext(ctx, &state, `
		SELECT status, last_sync, last_error FROM sync_state WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return availsync.SyncState{Status: availsync.StatusDisconnected}, nil
	}
	if err != nil {
		return availsync.SyncState{}, err
	}
	return state.Convert(), nil
}

func (s Storage) SaveSyncState(ctx context.Context, state availsync.SyncState) error {
	lastSync := sql.NullTime{Time: state.LastSync.UTC(), Valid: !state.LastSync.IsZero()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, status, last_sync, last_error) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
			SET status = excluded.status,
				last_sync = excluded.last_sync,
				last_error = excluded.last_error;
	`, string(state.Status), lastSync, state.LastError)
	return err
}

// TokenStore keeps the credential of one account in the accounts table.
type TokenStore struct {
	db        *sqlx.DB
	accountID string
}

func (s Storage) TokenStore(accountID string) *TokenStore {
	return &TokenStore{db: s.db, accountID: accountID}
}

// Load returns nil when nothing is stored or the stored data is malformed.
func (t *TokenStore) Load(ctx context.Context) (*availsync.Credential, error) {
	var auth string
	err := t.db.GetContext(ctx, &auth, `SELECT auth FROM accounts WHERE id = ?`, t.accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cred availsync.Credential
	if err := json.Unmarshal([]byte(auth), &cred); err != nil || cred.AccessToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (t *TokenStore) Save(ctx context.Context, cred *availsync.Credential) error {
	auth, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO accounts (id, auth) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET auth=?;
	`, t.accountID, string(auth), string(auth))
	return err
}

func (t *TokenStore) Clear(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, t.accountID)
	return err
}

// AccountID builds the accounts key as platform/name.
func AccountID(platform, name string) string {
	if name == "" {
		name = "default"
	}
	return platform + "/" + name
}
