package main

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	mathrand "math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	cookieName      = "pid"
	maxEvents       = 300
	maxChat         = 200
	maxModeration   = 500
	maxVisibleChat  = 60
	onlineWindow    = 60 * time.Second
	chatCooldown    = 2 * time.Second
	cleanupInterval = time.Hour
	systemSender    = "System"
)

//go:embed templates/*.html
var templateFS embed.FS

type Event struct {
	ID       int64
	Type     string
	Severity int
	Text     string
	At       time.Time
}

type ChatMessage struct {
	ID           int64
	FromPlayerID string
	FromName     string
	ToPlayerID   string
	ToName       string
	Text         string
	At           time.Time
	Kind         string
}

type Store struct {
	mu sync.Mutex

	Players    map[string]*Player
	Events     []Event
	Chat       []ChatMessage
	Moderation []ModerationEvent

	NextEventID      int64
	NextChatID       int64
	NextModerationID int64

	LastChatAt      map[string]time.Time
	LastCleanupDate string
	ToastByPlayer   map[string]string

	gags *GagManager
	repo *SQLRepository
	rng  *mathrand.Rand
}

type PlayerSummary struct {
	Name      string
	Online    bool
	Moderator bool
	Gagged    bool
}

type ChatView struct {
	FromName string
	ToName   string
	Text     string
	Kind     string
	At       string
}

type PageData struct {
	NowUTC       string
	Player       *Player
	Gagged       bool
	GagRemaining string
	Players      []PlayerSummary
	Chat         []ChatView
	ChatDraft    string
	Toast        string
}

var nameFirst = []string{"Ash", "Bran", "Corin", "Dain", "Elow", "Fenn", "Garr", "Hale", "Ira", "Jory", "Kael", "Liora", "Mara", "Nell", "Orin", "Perrin", "Quill", "Rysa", "Sable", "Tarin"}
var nameLast = []string{"stone", "vale", "thorne", "mire", "brindle", "hollow", "reed", "kestrel", "cinder", "rook", "fen", "crow", "wick", "hearth", "barrow"}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	tmpl := parseTemplates()
	store, err := newConfiguredStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runCleanupScheduler(ctx, store, cleanupInterval)
	}()
	go func() {
		defer wg.Done()
		runGagSweeper(ctx, store, cfg.GagSweepInterval)
	}()

	srv := &http.Server{Addr: cfg.ServerAddr, Handler: newMux(store, tmpl, cfg.AdminToken)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on http://localhost%s", cfg.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	stop()
	wg.Wait()

	store.mu.Lock()
	store.persistLocked()
	store.mu.Unlock()
	if store.repo != nil {
		_ = store.repo.Close()
	}
}

func newMux(store *Store, tmpl *template.Template, adminToken string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		// Concurrency model: lock for full handler to keep all reads/writes consistent and race-free.
		store.mu.Lock()
		defer store.mu.Unlock()

		p := ensurePlayerLocked(store, w, r)
		renderPage(w, tmpl, "base", buildPageDataLocked(store, p.ID, true))
	})

	mux.HandleFunc("/frag/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		p := ensurePlayerLocked(store, w, r)
		renderPage(w, tmpl, "chat_inner", buildPageDataLocked(store, p.ID, false))
	})

	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		store.mu.Lock()
		defer store.mu.Unlock()

		p := ensurePlayerLocked(store, w, r)
		now := time.Now().UTC()
		rawMsg := r.FormValue("text")
		msg := strings.TrimSpace(rawMsg)

		if tooSoon(store.LastChatAt[p.ID], now, chatCooldown) {
			setToastLocked(store, p.ID, "Chat cooldown active.")
			data := buildPageDataLocked(store, p.ID, true)
			data.ChatDraft = rawMsg
			renderPage(w, tmpl, "chat_inner", data)
			return
		}

		if msg == "" {
			renderPage(w, tmpl, "chat_inner", buildPageDataLocked(store, p.ID, true))
			return
		}

		store.LastChatAt[p.ID] = now
		accepted := handleChatLocked(store, p, now, msg)
		store.persistLocked()
		data := buildPageDataLocked(store, p.ID, true)
		if !accepted {
			data.ChatDraft = rawMsg
		}
		renderPage(w, tmpl, "chat_inner", data)
	})

	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		store.mu.Lock()
		defer store.mu.Unlock()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		tokenQ := adminTokenSuffix(r, adminToken)
		_, _ = fmt.Fprintf(w, "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>Admin</title><style>body{font-family:ui-sans-serif,system-ui;background:#0b0f14;color:#e5ecf4;padding:24px}pre{background:#121923;border:1px solid #2a3442;padding:12px;border-radius:8px;overflow:auto}button{background:#1f6feb;color:#fff;border:0;padding:8px 12px;border-radius:6px;margin-right:8px;cursor:pointer}</style></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>Admin</h1>")
		_, _ = fmt.Fprintf(w, "<form method=\"post\" action=\"/admin/moderator%s\"><input name=\"name\" placeholder=\"player\"><button type=\"submit\">Grant Moderator</button></form>", tokenQ)
		_, _ = fmt.Fprintf(w, "<form method=\"post\" action=\"/admin/release%s\"><input name=\"name\" placeholder=\"player\"><button type=\"submit\">Release Gag</button></form>", tokenQ)

		_, _ = fmt.Fprintf(w, "<h2>Gagged Players</h2><pre>")
		for _, p := range sortedPlayersLocked(store) {
			if store.gags.IsGagged(p) {
				_, _ = fmt.Fprintf(w, "%s expires in %s\n", template.HTMLEscapeString(p.Name), approxDuration(store.gags.TimeRemaining(p)))
			}
		}
		_, _ = fmt.Fprintf(w, "</pre><h2>Moderation Log</h2><pre>")
		for i := len(store.Moderation) - 1; i >= 0 && i >= len(store.Moderation)-20; i-- {
			ev := store.Moderation[i]
			_, _ = fmt.Fprintf(w, "%s %s %s by %s (%d min) %s\n", ev.At.Format(time.RFC3339), ev.Action, template.HTMLEscapeString(ev.TargetName), template.HTMLEscapeString(ev.ModeratorName), ev.Minutes, template.HTMLEscapeString(ev.Reason))
		}
		_, _ = fmt.Fprintf(w, "</pre><h2>Online Players</h2><pre>")
		for _, p := range onlinePlayersLocked(store, time.Now().UTC()) {
			role := ""
			if p.Moderator {
				role = " [moderator]"
			}
			_, _ = fmt.Fprintf(w, "%s%s\n", template.HTMLEscapeString(p.Name), role)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	mux.HandleFunc("/admin/moderator", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		store.mu.Lock()
		p := findPlayerByNameLocked(store, r.FormValue("name"))
		if p != nil {
			p.Moderator = true
			addEventLocked(store, Event{Type: "Moderation", Severity: 1, Text: fmt.Sprintf("[%s] is now a moderator.", p.Name)})
			store.persistLocked()
		}
		store.mu.Unlock()
		if p == nil {
			http.Error(w, "player not found", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, "/admin"+adminTokenSuffix(r, adminToken), http.StatusSeeOther)
	})

	mux.HandleFunc("/admin/release", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isAdmin(r, adminToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		store.mu.Lock()
		p := findPlayerByNameLocked(store, r.FormValue("name"))
		if p != nil {
			store.gags.Release(p)
			store.persistLocked()
		}
		store.mu.Unlock()
		if p == nil {
			http.Error(w, "player not found", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, "/admin"+adminTokenSuffix(r, adminToken), http.StatusSeeOther)
	})
	return mux
}

func parseTemplates() *template.Template {
	return template.Must(template.New("root").ParseFS(templateFS, "templates/*.html"))
}

func newStore() *Store {
	now := time.Now().UTC()
	s := &Store{
		Players:       map[string]*Player{},
		Events:        []Event{},
		Chat:          []ChatMessage{},
		Moderation:    []ModerationEvent{},
		LastChatAt:    map[string]time.Time{},
		ToastByPlayer: map[string]string{},
		rng:           mathrand.New(mathrand.NewSource(now.UnixNano())),
	}
	s.gags = NewGagManager(s, s, s)
	addEventLocked(s, Event{Type: "Opening", Severity: 1, Text: "The realm opens its gates.", At: now})
	return s
}

// runGagSweeper clears gags that ran out while their owner stayed online.
// It returns when ctx is done.
func runGagSweeper(ctx context.Context, store *Store, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.mu.Lock()
			if n := store.gags.NormalizeExpired(sortedPlayersLocked(store)); n > 0 {
				store.persistLocked()
			}
			store.mu.Unlock()
		}
	}
}

// Callers of the Store methods below hold store.mu.

func (store *Store) OnlinePlayerByName(name string) *Player {
	needle := normalizePlayerName(name)
	if needle == "" {
		return nil
	}
	for _, p := range onlinePlayersLocked(store, time.Now().UTC()) {
		if normalizePlayerName(p.Name) == needle {
			return p
		}
	}
	return nil
}

func (store *Store) SendPrivateText(to *Player, text string) {
	if to == nil {
		return
	}
	addChatLocked(store, ChatMessage{FromName: systemSender, ToPlayerID: to.ID, ToName: to.Name, Text: text, Kind: "private"})
	setToastLocked(store, to.ID, text)
}

func (store *Store) RecordModeration(ev ModerationEvent) {
	store.NextModerationID++
	ev.ID = store.NextModerationID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	store.Moderation = append(store.Moderation, ev)
	if len(store.Moderation) > maxModeration {
		store.Moderation = store.Moderation[len(store.Moderation)-maxModeration:]
	}
	switch ev.Action {
	case moderationActionGag:
		addEventLocked(store, Event{Type: "Moderation", Severity: 2, Text: fmt.Sprintf("[%s] has been gagged.", ev.TargetName), At: ev.At})
	case moderationActionRelease:
		addEventLocked(store, Event{Type: "Moderation", Severity: 1, Text: fmt.Sprintf("[%s] may speak again.", ev.TargetName), At: ev.At})
	}
}

func ensurePlayerLocked(store *Store, w http.ResponseWriter, r *http.Request) *Player {
	var pid string
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		pid = c.Value
	} else {
		pid = generateID()
		http.SetCookie(w, &http.Cookie{
			Name:     cookieName,
			Value:    pid,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	now := time.Now().UTC()
	p := store.Players[pid]
	loggedIn := false
	if p == nil {
		p = &Player{ID: pid, Name: uniqueGuestNameLocked(store), Quests: map[string]string{}, CreatedAt: now}
		store.Players[pid] = p
		setToastLocked(store, pid, fmt.Sprintf("You arrive as %s.", p.Name))
		addEventLocked(store, Event{Type: "Join", Severity: 1, Text: fmt.Sprintf("[%s] enters the realm.", p.Name), At: now})
		loggedIn = true
	} else if now.Sub(p.LastSeen) > onlineWindow {
		loggedIn = true
	}
	p.LastSeen = now
	if loggedIn {
		store.gags.OnLoggedIn(p)
		store.persistLocked()
	}
	return p
}

func uniqueGuestNameLocked(store *Store) string {
	base := randomFrom(store.rng, nameFirst) + randomFrom(store.rng, nameLast)
	if !playerNameExistsLocked(store, base) {
		return base
	}
	for {
		candidate := fmt.Sprintf("%s%d", base, 10+store.rng.Intn(90))
		if !playerNameExistsLocked(store, candidate) {
			return candidate
		}
	}
}

func playerNameExistsLocked(store *Store, name string) bool {
	return findPlayerByNameLocked(store, name) != nil
}

// findPlayerByNameLocked matches any known player, online or not.
func findPlayerByNameLocked(store *Store, name string) *Player {
	needle := normalizePlayerName(name)
	if needle == "" {
		return nil
	}
	for _, p := range store.Players {
		if normalizePlayerName(p.Name) == needle {
			return p
		}
	}
	return nil
}

func normalizePlayerName(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func generateID() string {
	buf := make([]byte, 18)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func randomFrom(r *mathrand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

func addEventLocked(store *Store, e Event) {
	store.NextEventID++
	e.ID = store.NextEventID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	store.Events = append(store.Events, e)
	if len(store.Events) > maxEvents {
		store.Events = store.Events[len(store.Events)-maxEvents:]
	}
}

func addChatLocked(store *Store, msg ChatMessage) {
	store.NextChatID++
	msg.ID = store.NextChatID
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	store.Chat = append(store.Chat, msg)
	if len(store.Chat) > maxChat {
		store.Chat = store.Chat[len(store.Chat)-maxChat:]
	}
}

func sortedPlayersLocked(store *Store) []*Player {
	out := make([]*Player, 0, len(store.Players))
	for _, p := range store.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func onlinePlayersLocked(store *Store, now time.Time) []*Player {
	var out []*Player
	for _, p := range store.Players {
		if now.Sub(p.LastSeen) <= onlineWindow {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func setToastLocked(store *Store, pid, text string) {
	store.ToastByPlayer[pid] = text
}

func popToastLocked(store *Store, pid string) string {
	msg := store.ToastByPlayer[pid]
	delete(store.ToastByPlayer, pid)
	return msg
}

func buildPageDataLocked(store *Store, playerID string, consumeToast bool) PageData {
	now := time.Now().UTC()
	p := store.Players[playerID]
	if p == nil {
		return PageData{}
	}

	data := PageData{
		NowUTC: now.Format("2006-01-02 15:04 UTC"),
		Player: p,
		Gagged: store.gags.IsGagged(p),
	}
	if data.Gagged {
		data.GagRemaining = approxDuration(store.gags.TimeRemaining(p))
	}
	if consumeToast {
		data.Toast = popToastLocked(store, p.ID)
	} else {
		data.Toast = store.ToastByPlayer[p.ID]
	}

	for _, other := range sortedPlayersLocked(store) {
		online := now.Sub(other.LastSeen) <= onlineWindow
		if !online {
			continue
		}
		data.Players = append(data.Players, PlayerSummary{
			Name:      other.Name,
			Online:    online,
			Moderator: other.Moderator,
			Gagged:    store.gags.IsGagged(other),
		})
	}

	for _, m := range store.Chat {
		if !messageVisibleToPlayer(m, p.ID) {
			continue
		}
		data.Chat = append(data.Chat, ChatView{
			FromName: m.FromName,
			ToName:   m.ToName,
			Text:     m.Text,
			Kind:     m.Kind,
			At:       m.At.Format("15:04"),
		})
	}
	if len(data.Chat) > maxVisibleChat {
		data.Chat = data.Chat[len(data.Chat)-maxVisibleChat:]
	}
	return data
}

func messageVisibleToPlayer(m ChatMessage, playerID string) bool {
	if m.Kind == "global" {
		return true
	}
	if m.ToPlayerID == "" {
		return true
	}
	return m.ToPlayerID == playerID || m.FromPlayerID == playerID
}

func renderPage(w http.ResponseWriter, tmpl *template.Template, name string, data PageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func isAdmin(r *http.Request, token string) bool {
	if token != "" && r.URL.Query().Get("token") == token {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return host == "localhost" || (ip != nil && ip.IsLoopback())
}

func adminTokenSuffix(r *http.Request, token string) string {
	if token != "" && r.URL.Query().Get("token") == token {
		return "?token=" + token
	}
	return ""
}

func tooSoon(last time.Time, now time.Time, d time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < d
}
