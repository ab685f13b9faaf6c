package store

import "testing"

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test process exits.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestGetSetSetting(t *testing.T) {
	s := newMemStore(t)

	if _, ok, err := s.GetSetting("server_name"); err != nil || ok {
		t.Fatalf("GetSetting on missing key: ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting("server_name", "dev box"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting("server_name")
	if err != nil || !ok || val != "dev box" {
		t.Fatalf("got (%q, %v, %v), want (dev box, true, nil)", val, ok, err)
	}

	if err := s.SetSetting("server_name", "renamed box"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	val, _, _ = s.GetSetting("server_name")
	if val != "renamed box" {
		t.Fatalf("got %q after overwrite, want renamed box", val)
	}
}

func TestTouchPeerUpsertsAndTracksLastSeen(t *testing.T) {
	s := newMemStore(t)

	if err := s.TouchPeer("dev-1", "127.0.0.1:5000"); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}
	n, err := s.PeerCount()
	if err != nil || n != 1 {
		t.Fatalf("got PeerCount %d, err %v, want 1", n, err)
	}

	if err := s.TouchPeer("dev-1", "127.0.0.1:5001"); err != nil {
		t.Fatalf("TouchPeer again: %v", err)
	}
	n, _ = s.PeerCount()
	if n != 1 {
		t.Fatalf("got PeerCount %d after re-touch, want 1 (upsert not insert)", n)
	}

	peers, err := s.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].LastAddr != "127.0.0.1:5001" {
		t.Fatalf("got %+v, want last_addr updated to :5001", peers)
	}
}

func TestRenamePeerRequiresExistingPeer(t *testing.T) {
	s := newMemStore(t)

	if err := s.RenamePeer("ghost", "nope"); err == nil {
		t.Fatal("expected error renaming an unknown peer")
	}

	if err := s.TouchPeer("dev-1", "10.0.0.1:1"); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}
	if err := s.RenamePeer("dev-1", "living room"); err != nil {
		t.Fatalf("RenamePeer: %v", err)
	}
	peers, _ := s.ListPeers()
	if len(peers) != 1 || peers[0].Label != "living room" {
		t.Fatalf("got %+v, want label living room", peers)
	}
}

func TestGetAllSettingsReturnsEveryKey(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("a", "1")
	s.SetSetting("b", "2")

	all, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if all["a"] != "1" || all["b"] != "2" {
		t.Fatalf("got %v", all)
	}
}
