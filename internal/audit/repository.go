// Package audit keeps a local trail of session status transitions in the
// agent's SQLite file.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commongrow/garden-core/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// Fixed-width UTC so created_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry is one recorded transition.
type Entry struct {
	ID         string         `json:"id"`
	From       session.Status `json:"from"`
	To         session.Status `json:"to"`
	IdentityID string         `json:"identity_id,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Version    uint64         `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	IdentityID string         // optional
	Status     session.Status // optional: matches the destination status
	Limit      int            // default 50, max 200
	Offset     int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores entries in the session_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "sa-" + uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_audit (id, from_status, to_status, identity_id, error_kind, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.From), string(entry.To),
		nullableString(entry.IdentityID), nullableString(entry.ErrorKind),
		int64(entry.Version), //nolint:gosec // versions stay far below MaxInt64
		entry.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting session audit entry: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.IdentityID != "" {
		conditions = append(conditions, "identity_id = ?")
		args = append(args, filter.IdentityID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "to_status = ?")
		args = append(args, string(filter.Status))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM session_audit " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting session audit entries: %w", err)
	}

	query := "SELECT id, from_status, to_status, identity_id, error_kind, version, created_at FROM session_audit " +
		where + " ORDER BY created_at DESC, version DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                     Entry
			from, to              string
			identityID, errorKind sql.NullString
			version               int64
			createdAt             string
		)
		if err := rows.Scan(&e.ID, &from, &to, &identityID, &errorKind, &version, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning session audit entry: %w", err)
		}
		e.From = session.Status(from)
		e.To = session.Status(to)
		e.IdentityID = identityID.String
		e.ErrorKind = errorKind.String
		e.Version = uint64(version) //nolint:gosec // written from a uint64
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing session audit timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
