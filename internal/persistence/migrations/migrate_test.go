package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dbmigrations "github.com/coachpo/pricemesh/db/migrations"
)

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir temp migrations: %v", err)
	}

	resolved, err := resolveDir(path)
	if err != nil {
		t.Fatalf("resolveDir returned error: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("expected absolute path, got %s", resolved)
	}
	if resolved != filepath.Clean(resolved) {
		t.Fatalf("expected clean path, got %s", resolved)
	}
}

func TestResolveDirMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")
	_, err := resolveDir(path)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveDirFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	_, err := resolveDir(path)
	if err == nil {
		t.Fatal("expected error for file path")
	}
	if !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestFileURLUnixAndWindows(t *testing.T) {
	cases := []string{
		"/tmp/migrations",
		"/home/example/project/db/migrations",
		"C:/tmp/migrations",
	}
	for _, path := range cases {
		got := fileURL(path)
		if !strings.HasPrefix(got, "file://") {
			t.Fatalf("expected file:// prefix for %s, got %s", path, got)
		}
		if len(got) <= len("file://") {
			t.Fatalf("expected path data in file url for %s, got %s", path, got)
		}
	}
}

func TestResolveSourceUsesDirectoryWhenPresent(t *testing.T) {
	dir := t.TempDir()
	spec, err := resolveSource(dir, nil)
	if err != nil {
		t.Fatalf("resolveSource returned error: %v", err)
	}
	if spec.fsys != nil {
		t.Fatal("expected directory source, got embedded")
	}
	if !strings.HasPrefix(spec.url, "file://") {
		t.Fatalf("expected file:// source url, got %s", spec.url)
	}
}

func TestResolveSourceFallsBackToEmbedded(t *testing.T) {
	spec, err := resolveSource(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatalf("resolveSource returned error: %v", err)
	}
	if spec.fsys == nil {
		t.Fatal("expected embedded source for missing directory")
	}
	if spec.label != embeddedLabel {
		t.Fatalf("expected embedded label, got %s", spec.label)
	}
}

func TestResolveSourceRejectsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := resolveSource(path, nil); !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestEmbeddedMigrationsPairUpAndDown(t *testing.T) {
	ups, err := fs.Glob(dbmigrations.Files, "*.up.sql")
	if err != nil {
		t.Fatalf("glob embedded up migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("expected embedded up migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(dbmigrations.Files, down); err != nil {
			t.Fatalf("missing down migration for %s: %v", up, err)
		}
	}
}

func TestApplyRejectsEmptyPath(t *testing.T) {
	ctx := context.Background()
	if err := Apply(ctx, "postgresql://invalid", "  ", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRollbackValidatesSteps(t *testing.T) {
	ctx := context.Background()
	if err := Rollback(ctx, "postgresql://invalid", "db/migrations", 0, nil); err == nil {
		t.Fatal("expected error for zero steps")
	}
}
