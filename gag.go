package main

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/hako/durafmt"
)

const (
	moderationActionGag     = "gag"
	moderationActionRelease = "release"

	// maxGagMinutes is the longest gag whose remaining time fits a
	// time.Duration (about 292 years).
	maxGagMinutes = int(math.MaxInt64 / time.Minute)
)

// PlayerDirectory resolves names against the players currently online.
type PlayerDirectory interface {
	OnlinePlayerByName(name string) *Player
}

type PrivateTextSender interface {
	SendPrivateText(to *Player, text string)
}

type ModerationRecorder interface {
	RecordModeration(ev ModerationEvent)
}

type ModerationEvent struct {
	ID            int64
	Action        string
	TargetID      string
	TargetName    string
	ModeratorID   string
	ModeratorName string
	Minutes       int
	Reason        string
	ExpiresAt     time.Time
	At            time.Time
}

// GagManager mutes players from public chat until an expiry stored in their
// gag quest slot. It keeps no state of its own; callers serialize access to
// the players it touches.
type GagManager struct {
	players  PlayerDirectory
	messages PrivateTextSender
	audit    ModerationRecorder
	now      func() time.Time
}

func NewGagManager(players PlayerDirectory, messages PrivateTextSender, audit ModerationRecorder) *GagManager {
	return &GagManager{
		players:  players,
		messages: messages,
		audit:    audit,
		now:      time.Now,
	}
}

func (m *GagManager) IsGagged(p *Player) bool {
	if p == nil {
		return false
	}
	rec, ok := gagRecordOf(p)
	return ok && rec.activeAt(m.now())
}

// TimeRemaining is zero for players who are not gagged.
func (m *GagManager) TimeRemaining(p *Player) time.Duration {
	if p == nil {
		return 0
	}
	rec, ok := gagRecordOf(p)
	if !ok {
		return 0
	}
	now := m.now()
	if !rec.activeAt(now) {
		return 0
	}
	return time.Duration(rec.ExpiresAt.UnixMilli()-now.UnixMilli()) * time.Millisecond
}

// GagByName gags an online player looked up by name.
func (m *GagManager) GagByName(name string, moderator *Player, minutes int, reason string) {
	var target *Player
	if m.players != nil {
		target = m.players.OnlinePlayerByName(name)
	}
	m.Gag(target, moderator, minutes, reason, name)
}

// Gag mutes target for minutes and confirms to the moderator, naming the
// target as targetName. A nil target is reported as not found when a name
// was given.
func (m *GagManager) Gag(target, moderator *Player, minutes int, reason, targetName string) {
	if target == nil {
		if targetName != "" {
			m.tell(moderator, fmt.Sprintf("Player %s not found", targetName))
		}
		return
	}
	if minutes < 0 {
		m.tell(moderator, "Infinity (negative numbers) is not supported.")
		return
	}
	if minutes > maxGagMinutes {
		m.tell(moderator, fmt.Sprintf("Gags longer than %d minutes are not supported.", maxGagMinutes))
		return
	}
	if targetName == "" {
		targetName = target.Name
	}

	now := m.now()
	rec := gagRecord{ExpiresAt: time.UnixMilli(now.UnixMilli() + int64(minutes)*int64(time.Minute/time.Millisecond)).UTC()}
	setGagRecord(target, rec)

	m.tell(moderator, fmt.Sprintf("You have gagged %s for %d minutes. Reason: %s.", targetName, minutes, reason))
	m.tell(target, fmt.Sprintf("You have been gagged for %d minutes. Reason: %s.", minutes, reason))

	ev := ModerationEvent{
		Action:     moderationActionGag,
		TargetID:   target.ID,
		TargetName: target.Name,
		Minutes:    minutes,
		Reason:     reason,
		ExpiresAt:  rec.ExpiresAt,
		At:         now.UTC(),
	}
	if moderator != nil {
		ev.ModeratorID = moderator.ID
		ev.ModeratorName = moderator.Name
	}
	log.Printf("moderation: %s gagged %s for %d minutes (%s)", ev.ModeratorName, ev.TargetName, minutes, reason)
	m.record(ev)
}

// Release clears the gag slot. It is silent and idempotent.
func (m *GagManager) Release(p *Player) {
	if p == nil {
		return
	}
	raw, _ := p.Quest(gagQuest)
	p.SetQuest(gagQuest, "")
	if raw == "" {
		return
	}
	log.Printf("moderation: released %s", p.Name)
	m.record(ModerationEvent{
		Action:     moderationActionRelease,
		TargetID:   p.ID,
		TargetName: p.Name,
		At:         m.now().UTC(),
	})
}

// OnLoggedIn drops a stale gag value when a session starts and reminds a
// still-gagged player how long is left.
func (m *GagManager) OnLoggedIn(p *Player) {
	if p == nil {
		return
	}
	if m.clearExpired(p) {
		return
	}
	if m.IsGagged(p) {
		m.tell(p, m.warning(p))
	}
}

// CheckAndInform reports whether p may not speak publicly and, if so, tells
// them when the gag ends.
func (m *GagManager) CheckAndInform(p *Player) bool {
	if !m.IsGagged(p) {
		return false
	}
	m.tell(p, m.warning(p))
	return true
}

// NormalizeExpired clears every stale gag value and returns how many were
// cleared.
func (m *GagManager) NormalizeExpired(players []*Player) int {
	n := 0
	for _, p := range players {
		if m.clearExpired(p) {
			n++
		}
	}
	return n
}

func (m *GagManager) clearExpired(p *Player) bool {
	if p == nil {
		return false
	}
	raw, ok := p.Quest(gagQuest)
	if !ok || raw == "" || m.IsGagged(p) {
		return false
	}
	p.SetQuest(gagQuest, "")
	log.Printf("moderation: gag of %s expired", p.Name)
	return true
}

func (m *GagManager) warning(p *Player) string {
	return fmt.Sprintf("Warning: You are gagged, it will expire in %s.", approxDuration(m.TimeRemaining(p)))
}

func (m *GagManager) tell(p *Player, text string) {
	if p == nil || m.messages == nil {
		return
	}
	m.messages.SendPrivateText(p, text)
}

func (m *GagManager) record(ev ModerationEvent) {
	if m.audit == nil {
		return
	}
	m.audit.RecordModeration(ev)
}

func approxDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Second {
		d = time.Second
	}
	return durafmt.Parse(d).LimitFirstN(2).String()
}
