package pkgservice

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func openTestRegistry(t *testing.T, path string) *Registry {
	t.Helper()
	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}
	return r
}

func TestRegistryRoundTrip(t *testing.T) {
	r := openTestRegistry(t, filepath.Join(t.TempDir(), "packages.db"))
	defer r.Close()
	ctx := t.Context()

	for _, p := range []Package{
		{Name: "org.b", InstallerPackage: "x", Path: "/b", Size: 2, SHA256: "sha256:b"},
		{Name: "org.a", InstallerPackage: "x", Path: "/a", Size: 1, SHA256: "sha256:a"},
		{Name: "org.a", InstallerPackage: "y", Path: "/a2", Size: 3, SHA256: "sha256:a2"},
	} {
		if err := r.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert %s failed: %v", p.Name, err)
		}
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(list))
	}
	a := list[0]
	if a.Name != "org.a" || a.InstallerPackage != "y" || a.Size != 3 || a.InstallCount != 2 {
		t.Errorf("unexpected record %+v", a)
	}
	if a.InstalledAt.IsZero() {
		t.Error("InstalledAt not set")
	}

	if err := r.Remove(ctx, "org.b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := r.Remove(ctx, "org.b"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("expected ErrNotInstalled, got %v", err)
	}
	if _, err := r.Get(ctx, "org.b"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("expected ErrNotInstalled, got %v", err)
	}
}

func TestRegistryReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.db")
	r := openTestRegistry(t, path)
	if err := r.Upsert(t.Context(), Package{Name: "org.a", Path: "/a", SHA256: "s"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r = openTestRegistry(t, path)
	defer r.Close()
	if _, err := r.Get(t.Context(), "org.a"); err != nil {
		t.Errorf("record lost after reopen: %v", err)
	}
}

func TestRegistryMigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS packages").WillReturnError(errors.New("disk I/O error"))

	_, err = NewRegistry(db)
	if err == nil || !strings.Contains(err.Error(), "migrate registry") {
		t.Errorf("expected migrate error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRegistryUpsertFailureIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS packages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO packages").WillReturnError(errors.New("database is locked"))

	r, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	err = r.Upsert(t.Context(), Package{Name: "org.a"})
	if err == nil || !strings.Contains(err.Error(), "org.a") {
		t.Errorf("expected error naming the package, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
