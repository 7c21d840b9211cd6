package pkgservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInstalled is returned by Registry.Get for unknown packages.
var ErrNotInstalled = errors.New("package not installed")

// Package is one installed package record.
type Package struct {
	Name             string    `json:"name"`
	InstallerPackage string    `json:"installer_package"`
	UserID           int       `json:"user_id"`
	Path             string    `json:"path"`
	Size             int64     `json:"size"`
	SHA256           string    `json:"sha256"`
	InstalledAt      time.Time `json:"installed_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	InstallCount     int       `json:"install_count"`
}

// Registry records installed packages in SQLite.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (or creates) the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	r, err := NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewRegistry wraps db, creating the schema if needed.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS packages (
		package_name TEXT PRIMARY KEY,
		installer_package TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		installed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		install_count INTEGER NOT NULL DEFAULT 1
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Get returns the record for name or ErrNotInstalled.
func (r *Registry) Get(ctx context.Context, name string) (*Package, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT package_name, installer_package, user_id, path, size, sha256, installed_at, updated_at, install_count
		FROM packages WHERE package_name = ?`, name)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInstalled
	}
	return p, err
}

// List returns all packages ordered by name.
func (r *Registry) List(ctx context.Context) ([]Package, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT package_name, installer_package, user_id, path, size, sha256, installed_at, updated_at, install_count
		FROM packages ORDER BY package_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Upsert inserts p or, for a reinstall, updates it and bumps install_count.
func (r *Registry) Upsert(ctx context.Context, p Package) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO packages (package_name, installer_package, user_id, path, size, sha256, installed_at, updated_at, install_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(package_name) DO UPDATE SET
			installer_package = excluded.installer_package,
			user_id = excluded.user_id,
			path = excluded.path,
			size = excluded.size,
			sha256 = excluded.sha256,
			updated_at = excluded.updated_at,
			install_count = packages.install_count + 1`,
		p.Name, p.InstallerPackage, p.UserID, p.Path, p.Size, p.SHA256, now, now)
	if err != nil {
		return fmt.Errorf("failed to record package %s: %w", p.Name, err)
	}
	return nil
}

// Remove deletes the record for name.
func (r *Registry) Remove(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM packages WHERE package_name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotInstalled
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(s scanner) (*Package, error) {
	var (
		p                  Package
		installed, updated string
	)
	if err := s.Scan(&p.Name, &p.InstallerPackage, &p.UserID, &p.Path, &p.Size, &p.SHA256, &installed, &updated, &p.InstallCount); err != nil {
		return nil, err
	}
	p.InstalledAt, _ = time.Parse(time.RFC3339Nano, installed)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}
