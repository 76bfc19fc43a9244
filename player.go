package main

import (
	"strconv"
	"strings"
	"time"
)

type Player struct {
	ID        string
	Name      string
	Moderator bool
	Quests    map[string]string
	CreatedAt time.Time
	LastSeen  time.Time
}

// QuestHolder is the generic per-player attribute store. Values are opaque
// strings; an empty value is equivalent to an absent one.
type QuestHolder interface {
	Quest(name string) (string, bool)
	SetQuest(name, value string)
}

func (p *Player) Quest(name string) (string, bool) {
	if p == nil || p.Quests == nil {
		return "", false
	}
	v, ok := p.Quests[name]
	return v, ok
}

func (p *Player) SetQuest(name, value string) {
	if p == nil {
		return
	}
	if value == "" {
		delete(p.Quests, name)
		return
	}
	if p.Quests == nil {
		p.Quests = map[string]string{}
	}
	p.Quests[name] = value
}

const gagQuest = "gag"

// gagRecord is the typed view of the gag quest slot.
type gagRecord struct {
	ExpiresAt time.Time
}

// gagRecordOf parses the gag slot. Absent, empty, non-numeric and
// non-positive values all read as "no record".
func gagRecordOf(q QuestHolder) (gagRecord, bool) {
	raw, ok := q.Quest(gagQuest)
	if !ok {
		return gagRecord{}, false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return gagRecord{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return gagRecord{}, false
	}
	return gagRecord{ExpiresAt: time.UnixMilli(ms).UTC()}, true
}

func (r gagRecord) activeAt(now time.Time) bool {
	return r.ExpiresAt.UnixMilli() > now.UnixMilli()
}

func setGagRecord(q QuestHolder, r gagRecord) {
	q.SetQuest(gagQuest, strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10))
}
