// ABOUTME: Property and lead directory persistence on the SQLite store
// ABOUTME: Backs the tenant-lookup and lead-lookup collaborator interfaces

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Property is a tenant's display context for a managed property.
type Property struct {
	ID        string
	Name      string
	Timezone  string
	Greeting  string
	CreatedAt time.Time
}

// Lead is an optional visitor identity record. Conversations reference leads
// weakly: absence is a normal state, not an error.
type Lead struct {
	ID         string
	PropertyID string
	Name       string
	Email      string
	Phone      string
	CreatedAt  time.Time
}

// DirectoryStore defines methods for property and lead lookups
type DirectoryStore interface {
	CreateProperty(ctx context.Context, p *Property) error
	GetProperty(ctx context.Context, id string) (*Property, error)

	CreateLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
}

// CreateProperty inserts a property record
func (s *SQLiteStore) CreateProperty(ctx context.Context, p *Property) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (id, name, timezone, greeting, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, nullString(p.Timezone), nullString(p.Greeting),
		p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting property: %w", err)
	}
	s.logger.Debug("created property", "id", p.ID, "name", p.Name)
	return nil
}

// GetProperty retrieves a property by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetProperty(ctx context.Context, id string) (*Property, error) {
	var p Property
	var timezone, greeting sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, greeting, created_at
		FROM properties
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &timezone, &greeting, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying property: %w", err)
	}

	if timezone.Valid {
		p.Timezone = timezone.String
	}
	if greeting.Valid {
		p.Greeting = greeting.String
	}
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// CreateLead inserts a lead record
func (s *SQLiteStore) CreateLead(ctx context.Context, l *Lead) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, property_id, name, email, phone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.PropertyID, nullString(l.Name), nullString(l.Email), nullString(l.Phone),
		l.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting lead: %w", err)
	}
	s.logger.Debug("created lead", "id", l.ID, "property_id", l.PropertyID)
	return nil
}

// GetLead retrieves a lead by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	var l Lead
	var name, email, phone sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, name, email, phone, created_at
		FROM leads
		WHERE id = ?
	`, id).Scan(&l.ID, &l.PropertyID, &name, &email, &phone, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead: %w", err)
	}

	if name.Valid {
		l.Name = name.String
	}
	if email.Valid {
		l.Email = email.String
	}
	if phone.Valid {
		l.Phone = phone.String
	}
	l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &l, nil
}

// Ensure SQLiteStore implements DirectoryStore interface
var _ DirectoryStore = (*SQLiteStore)(nil)
