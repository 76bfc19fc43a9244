package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
	dialectMemory   DBDialect = "memory"
)

type SQLRepository struct {
	dialect DBDialect
	db      *sql.DB
}

func newConfiguredStore(cfg Config) (*Store, error) {
	store := newStore()
	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return store, nil
	}
	store.repo = repo
	if err := repo.LoadInto(context.Background(), store); err != nil {
		return nil, err
	}
	return store, nil
}

// openRepository returns a nil repository for the memory dialect.
func openRepository(cfg Config) (*SQLRepository, error) {
	dialect := DBDialect(cfg.DBDialect)

	var driverName string
	var dsn string
	switch dialect {
	case dialectMemory:
		log.Printf("database: dialect=%s (nothing persisted)", dialect)
		return nil, nil
	case dialectSQLite:
		driverName = "sqlite"
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = cfg.postgresDSN()
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", cfg.DBDialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	repo := &SQLRepository{dialect: dialect, db: db}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("database: dialect=%s", dialect)
	return repo, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) bind(pos int) string {
	if r.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (r *SQLRepository) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = r.bind(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
	)
}

func (r *SQLRepository) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", r.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := r.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (store *Store) persistLocked() {
	if store.repo == nil {
		return
	}
	if err := store.repo.Save(context.Background(), store); err != nil {
		log.Printf("persist state failed: %v", err)
	}
}

func (r *SQLRepository) Save(ctx context.Context, store *Store) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	if err := r.saveWithTx(ctx, tx, store); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (r *SQLRepository) saveWithTx(ctx context.Context, tx *sql.Tx, store *Store) error {
	clearTables := []string{"runtime_state", "chat_cooldowns", "players", "events", "chat_messages", "moderation_events"}
	for _, tbl := range clearTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+tbl); err != nil {
			return fmt.Errorf("clear %s: %w", tbl, err)
		}
	}

	now := time.Now().UTC()

	if err := r.insertRow(ctx, tx, "runtime_state",
		[]string{"id", "next_event_id", "next_chat_id", "next_moderation_id", "last_cleanup_date", "updated_at"},
		[]any{1, store.NextEventID, store.NextChatID, store.NextModerationID, store.LastCleanupDate, now},
	); err != nil {
		return err
	}
	for pid, at := range store.LastChatAt {
		if err := r.insertRow(ctx, tx, "chat_cooldowns", []string{"player_id", "last_chat_ms"}, []any{pid, at.UnixMilli()}); err != nil {
			return err
		}
	}

	for _, p := range store.Players {
		if err := r.insertRow(ctx, tx, "players",
			[]string{"player_id", "name", "moderator", "gag_expires_ms", "last_seen", "payload", "created_at", "updated_at"},
			[]any{p.ID, p.Name, p.Moderator, gagExpiryColumn(p), p.LastSeen, asJSON(p), nullableTime(p.CreatedAt), now},
		); err != nil {
			return err
		}
	}
	for _, event := range store.Events {
		if err := r.insertRow(ctx, tx, "events",
			[]string{"id", "at_ts", "type", "severity", "text", "payload", "created_at"},
			[]any{event.ID, event.At, event.Type, event.Severity, event.Text, asJSON(event), event.At},
		); err != nil {
			return err
		}
	}
	for _, msg := range store.Chat {
		if err := r.insertRow(ctx, tx, "chat_messages",
			[]string{"id", "at_ts", "kind", "from_player_id", "to_player_id", "text", "payload", "created_at"},
			[]any{msg.ID, msg.At, msg.Kind, msg.FromPlayerID, msg.ToPlayerID, msg.Text, asJSON(msg), msg.At},
		); err != nil {
			return err
		}
	}
	for _, ev := range store.Moderation {
		if err := r.insertRow(ctx, tx, "moderation_events",
			[]string{"id", "at_ts", "action", "target_player_id", "moderator_player_id", "minutes", "reason", "payload", "created_at"},
			[]any{ev.ID, ev.At, ev.Action, ev.TargetID, ev.ModeratorID, ev.Minutes, ev.Reason, asJSON(ev), ev.At},
		); err != nil {
			return err
		}
	}

	return nil
}

func (r *SQLRepository) insertRow(ctx context.Context, tx *sql.Tx, table string, cols []string, vals []any) error {
	q := r.insertQuery(table, cols)
	if _, err := tx.ExecContext(ctx, q, vals...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func asJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// gagExpiryColumn mirrors the gag slot into a queryable column.
func gagExpiryColumn(p *Player) any {
	rec, ok := gagRecordOf(p)
	if !ok {
		return nil
	}
	return rec.ExpiresAt.UnixMilli()
}

func (r *SQLRepository) LoadInto(ctx context.Context, store *Store) error {
	var runtimeRows int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM runtime_state").Scan(&runtimeRows); err != nil {
		return fmt.Errorf("count runtime_state: %w", err)
	}
	if runtimeRows == 0 {
		if err := r.Save(ctx, store); err != nil {
			return fmt.Errorf("seed initial state: %w", err)
		}
		return nil
	}

	if err := r.loadRuntime(ctx, store); err != nil {
		return err
	}
	if err := r.loadCollections(ctx, store); err != nil {
		return err
	}
	return nil
}

func (r *SQLRepository) loadRuntime(ctx context.Context, store *Store) error {
	err := r.db.QueryRowContext(ctx,
		"SELECT next_event_id, next_chat_id, next_moderation_id, last_cleanup_date FROM runtime_state WHERE id = 1",
	).Scan(&store.NextEventID, &store.NextChatID, &store.NextModerationID, &store.LastCleanupDate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load runtime_state: %w", err)
	}

	store.LastChatAt = map[string]time.Time{}
	rows, err := r.db.QueryContext(ctx, "SELECT player_id, last_chat_ms FROM chat_cooldowns")
	if err != nil {
		return fmt.Errorf("load chat_cooldowns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		var ms int64
		if err := rows.Scan(&pid, &ms); err != nil {
			return fmt.Errorf("scan chat_cooldowns: %w", err)
		}
		store.LastChatAt[pid] = time.UnixMilli(ms).UTC()
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chat_cooldowns: %w", err)
	}
	return nil
}

func (r *SQLRepository) loadCollections(ctx context.Context, store *Store) error {
	store.Players = map[string]*Player{}
	store.Events = []Event{}
	store.Chat = []ChatMessage{}
	store.Moderation = []ModerationEvent{}

	if err := loadMapRows(ctx, r.db, "SELECT payload FROM players", func(payload string) error {
		var p Player
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return err
		}
		if p.Quests == nil {
			p.Quests = map[string]string{}
		}
		store.Players[p.ID] = &p
		return nil
	}); err != nil {
		return fmt.Errorf("load players: %w", err)
	}
	if err := loadMapRows(ctx, r.db, "SELECT payload FROM events ORDER BY id", func(payload string) error {
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return err
		}
		store.Events = append(store.Events, event)
		return nil
	}); err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := loadMapRows(ctx, r.db, "SELECT payload FROM chat_messages ORDER BY id", func(payload string) error {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return err
		}
		store.Chat = append(store.Chat, msg)
		return nil
	}); err != nil {
		return fmt.Errorf("load chat_messages: %w", err)
	}
	if err := loadMapRows(ctx, r.db, "SELECT payload FROM moderation_events ORDER BY id", func(payload string) error {
		var ev ModerationEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return err
		}
		store.Moderation = append(store.Moderation, ev)
		return nil
	}); err != nil {
		return fmt.Errorf("load moderation_events: %w", err)
	}
	return nil
}

func loadMapRows(ctx context.Context, db *sql.DB, q string, fn func(payload string) error) error {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

// runCleanupScheduler trims old history once per UTC day until ctx is done.
func runCleanupScheduler(ctx context.Context, store *Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			store.mu.Lock()
			today := now.UTC().Format("2006-01-02")
			if store.LastCleanupDate != today {
				runDailyCleanupLocked(store, now.UTC())
				store.LastCleanupDate = today
				store.persistLocked()
			}
			store.mu.Unlock()
		}
	}
}

func runDailyCleanupLocked(store *Store, now time.Time) {
	eventsCutoff := now.Add(-14 * 24 * time.Hour)
	chatCutoff := now.Add(-7 * 24 * time.Hour)
	moderationCutoff := now.Add(-90 * 24 * time.Hour)

	filteredEvents := make([]Event, 0, len(store.Events))
	for _, e := range store.Events {
		if !e.At.Before(eventsCutoff) {
			filteredEvents = append(filteredEvents, e)
		}
	}
	store.Events = filteredEvents

	filteredChat := make([]ChatMessage, 0, len(store.Chat))
	for _, m := range store.Chat {
		if !m.At.Before(chatCutoff) {
			filteredChat = append(filteredChat, m)
		}
	}
	store.Chat = filteredChat

	filteredModeration := make([]ModerationEvent, 0, len(store.Moderation))
	for _, ev := range store.Moderation {
		if !ev.At.Before(moderationCutoff) {
			filteredModeration = append(filteredModeration, ev)
		}
	}
	store.Moderation = filteredModeration

	for id, at := range store.LastChatAt {
		if at.Before(chatCutoff) {
			delete(store.LastChatAt, id)
		}
	}
}
