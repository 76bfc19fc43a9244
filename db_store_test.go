package main

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestOpenRepositoryErrors(t *testing.T) {
	repo, err := openRepository(Config{DBDialect: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "requires DB_POSTGRES_DSN or DATABASE_URL") {
		t.Fatalf("expected postgres DSN error, got repo=%v err=%v", repo, err)
	}

	repo, err = openRepository(Config{DBDialect: "bogus"})
	if err == nil || !strings.Contains(err.Error(), "unsupported DB_DIALECT") {
		t.Fatalf("expected unsupported dialect error, got repo=%v err=%v", repo, err)
	}
}

func TestOpenRepositoryMemory(t *testing.T) {
	repo, err := openRepository(Config{DBDialect: "memory"})
	if err != nil || repo != nil {
		t.Fatalf("memory dialect should have no repository, got repo=%v err=%v", repo, err)
	}

	store, err := newConfiguredStore(Config{DBDialect: "memory"})
	if err != nil {
		t.Fatalf("newConfiguredStore memory error: %v", err)
	}
	if store.repo != nil || store.gags == nil {
		t.Fatalf("expected in-memory store with gag manager")
	}
	store.persistLocked()
}

func TestRepositorySQLiteRoundTrip(t *testing.T) {
	repo, err := openRepository(Config{DBDialect: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "state.sqlite")})
	if err != nil {
		t.Fatalf("openRepository sqlite error: %v", err)
	}
	defer repo.Close()

	now := time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)
	s1 := newStore()
	s1.gags.now = func() time.Time { return now }
	s1.Events = nil
	s1.NextEventID = 0
	s1.LastCleanupDate = "2026-02-12"

	mod := &Player{ID: "p1", Name: "player", Moderator: true, Quests: map[string]string{"intro": "done"}, CreatedAt: now, LastSeen: now}
	bob := &Player{ID: "p2", Name: "bob", Quests: map[string]string{}, CreatedAt: now, LastSeen: now}
	s1.Players[mod.ID] = mod
	s1.Players[bob.ID] = bob
	s1.gags.Gag(bob, mod, 30, "flooding", bob.Name)
	addChatLocked(s1, ChatMessage{FromPlayerID: mod.ID, FromName: mod.Name, Text: "hello", At: now, Kind: "global"})
	s1.LastChatAt[mod.ID] = now

	if err := repo.Save(context.Background(), s1); err != nil {
		t.Fatalf("repo.Save error: %v", err)
	}

	s2 := newStore()
	s2.gags.now = func() time.Time { return now.Add(10 * time.Minute) }
	if err := repo.LoadInto(context.Background(), s2); err != nil {
		t.Fatalf("repo.LoadInto error: %v", err)
	}

	gotBob := s2.Players[bob.ID]
	if gotBob == nil || gotBob.Name != "bob" {
		t.Fatalf("player mismatch after round-trip: got=%+v", gotBob)
	}
	if !s2.gags.IsGagged(gotBob) {
		t.Fatalf("gag should survive a restart")
	}
	if got := s2.gags.TimeRemaining(gotBob); got != 20*time.Minute {
		t.Fatalf("TimeRemaining after reload = %v, want 20m", got)
	}
	gotMod := s2.Players[mod.ID]
	if gotMod == nil || !gotMod.Moderator {
		t.Fatalf("moderator flag lost: %+v", gotMod)
	}
	if v, _ := gotMod.Quest("intro"); v != "done" {
		t.Fatalf("generic quest lost: %q", v)
	}
	if len(s2.Moderation) != 1 || s2.Moderation[0].Reason != "flooding" || s2.NextModerationID != 1 {
		t.Fatalf("moderation mismatch after round-trip: %+v next=%d", s2.Moderation, s2.NextModerationID)
	}
	if s2.NextChatID != s1.NextChatID || len(s2.Chat) != len(s1.Chat) {
		t.Fatalf("chat mismatch after round-trip: got %d msgs next=%d", len(s2.Chat), s2.NextChatID)
	}
	if s2.LastCleanupDate != "2026-02-12" {
		t.Fatalf("last cleanup mismatch: %q", s2.LastCleanupDate)
	}
	if got, ok := s2.LastChatAt[mod.ID]; !ok || !got.Equal(now) {
		t.Fatalf("LastChatAt mismatch: ok=%v got=%v want=%v", ok, got, now)
	}

	var lastChat int64
	if err := repo.db.QueryRowContext(context.Background(), "SELECT last_chat_ms FROM chat_cooldowns WHERE player_id = ?", mod.ID).Scan(&lastChat); err != nil {
		t.Fatalf("query chat cooldown: %v", err)
	}
	if lastChat != now.UnixMilli() {
		t.Fatalf("last_chat_ms = %d, want %d", lastChat, now.UnixMilli())
	}

	var expires int64
	if err := repo.db.QueryRowContext(context.Background(), "SELECT gag_expires_ms FROM players WHERE player_id = ?", bob.ID).Scan(&expires); err != nil {
		t.Fatalf("query gag column: %v", err)
	}
	if want := now.Add(30 * time.Minute).UnixMilli(); expires != want {
		t.Fatalf("gag_expires_ms = %d, want %d", expires, want)
	}
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	cfg := Config{DBDialect: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "nested", "twice.sqlite")}
	for i := 0; i < 2; i++ {
		repo, err := openRepository(cfg)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		var n int
		if err := repo.db.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if n != 1 {
			t.Fatalf("schema_migrations rows = %d, want 1", n)
		}
		_ = repo.Close()
	}
}

func TestNewConfiguredStoreWithSQLite(t *testing.T) {
	cfg := Config{DBDialect: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "config.sqlite")}

	store, err := newConfiguredStore(cfg)
	if err != nil {
		t.Fatalf("newConfiguredStore error: %v", err)
	}
	if store.repo == nil {
		t.Fatalf("expected configured store to include sqlite repo")
	}
	bob := addOnlinePlayer(store, "bob")
	bob.SetQuest(gagQuest, strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10))
	store.persistLocked()
	_ = store.repo.Close()

	reopened, err := newConfiguredStore(cfg)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.repo.Close()
	if p := reopened.Players[bob.ID]; p == nil || !reopened.gags.IsGagged(p) {
		t.Fatalf("expected bob to stay gagged across restarts, got %+v", p)
	}
}

func TestRunDailyCleanup(t *testing.T) {
	s := newTestStore()
	now := time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)
	s.Events = []Event{{ID: 1, At: now.Add(-15 * 24 * time.Hour)}, {ID: 2, At: now.Add(-time.Hour)}}
	s.Chat = []ChatMessage{{ID: 1, At: now.Add(-8 * 24 * time.Hour)}, {ID: 2, At: now.Add(-7 * 24 * time.Hour)}}
	s.Moderation = []ModerationEvent{{ID: 1, At: now.Add(-91 * 24 * time.Hour)}, {ID: 2, At: now.Add(-89 * 24 * time.Hour)}}
	s.LastChatAt = map[string]time.Time{"old": now.Add(-30 * 24 * time.Hour), "new": now}

	runDailyCleanupLocked(s, now)

	if len(s.Events) != 1 || s.Events[0].ID != 2 {
		t.Fatalf("events after cleanup: %+v", s.Events)
	}
	if len(s.Chat) != 1 || s.Chat[0].ID != 2 {
		t.Fatalf("chat after cleanup: %+v", s.Chat)
	}
	if len(s.Moderation) != 1 || s.Moderation[0].ID != 2 {
		t.Fatalf("moderation after cleanup: %+v", s.Moderation)
	}
	if _, ok := s.LastChatAt["old"]; ok {
		t.Fatalf("stale chat cooldown should be dropped")
	}
	if _, ok := s.LastChatAt["new"]; !ok {
		t.Fatalf("recent chat cooldown should stay")
	}
}

func TestCleanupSchedulerRunsOncePerDayAndStops(t *testing.T) {
	s := newTestStore()
	s.Chat = []ChatMessage{{ID: 1, At: time.Now().UTC().Add(-30 * 24 * time.Hour)}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runCleanupScheduler(ctx, s, 5*time.Millisecond)
		close(done)
	}()

	today := time.Now().UTC().Format("2006-01-02")
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		ran := s.LastCleanupDate == today
		chat := len(s.Chat)
		s.mu.Unlock()
		if ran {
			if chat != 0 {
				t.Fatalf("old chat should be trimmed, got %d messages", chat)
			}
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("cleanup did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cleanup scheduler did not stop after cancel")
	}
}
