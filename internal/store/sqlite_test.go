// ABOUTME: Tests for SQLite store initialization and shared test helpers
// ABOUTME: Covers schema creation, directory handling, and time round-tripping

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	orig := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	got, err := parseTime(fmtTime(orig))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !got.Equal(orig) {
		t.Errorf("round trip mismatch: got %v, want %v", got, orig)
	}
}

func TestTimeFormat_LexicallyComparable(t *testing.T) {
	// Stored timestamps are compared as strings in SQL, so formatting
	// must preserve ordering across second and sub-second boundaries.
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		a, b := fmtTime(times[i-1]), fmtTime(times[i])
		if a >= b {
			t.Errorf("formatted times not ordered: %q >= %q", a, b)
		}
	}
}

// newTestStore creates a store backed by a temp database.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

var testCodeSeq int

// mustRegCode mints a fresh unused registration code.
func mustRegCode(t *testing.T, s *SQLiteStore) string {
	t.Helper()

	testCodeSeq++
	code := fmt.Sprintf("code-%d-%d", time.Now().UnixNano(), testCodeSeq)
	rc := &RegistrationCode{
		ID:        "rc-" + code,
		Code:      code,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := s.CreateRegistrationCode(context.Background(), rc); err != nil {
		t.Fatalf("CreateRegistrationCode failed: %v", err)
	}
	return code
}

// mustCreateSender registers a sender with a fresh code.
func mustCreateSender(t *testing.T, s *SQLiteStore, id string) *Sender {
	t.Helper()

	sender := &Sender{
		ID:                 id,
		DisplayName:        "Sender " + id,
		DestinationAddress: id + "@example.com",
		Role:               RoleBase,
		SecretHash:         "$2a$10$fakehashfortesting000000000000000000000000000000000",
		RegisteredAt:       time.Now().UTC(),
	}
	if err := s.CreateSender(context.Background(), sender, mustRegCode(t, s)); err != nil {
		t.Fatalf("CreateSender failed: %v", err)
	}
	return sender
}
