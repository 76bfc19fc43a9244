package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	msgGagUsage       = "Usage: /gag <name> <minutes> <reason>"
	msgUngagUsage     = "Usage: /ungag <name>"
	msgWhisperUsage   = "Usage: /w <name> <message>"
	msgGagNotAllowed  = "You are not allowed to gag players."
	msgWhisperMissing = "Whisper target not found."
)

// handleChatLocked routes one chat line. It returns false when the line was
// rejected and the draft should stay in the input box.
func handleChatLocked(store *Store, p *Player, now time.Time, msg string) bool {
	cmd, args := splitCommand(msg)
	switch cmd {
	case "/w":
		return handleWhisperLocked(store, p, now, args)
	case "/gag":
		return handleGagCommandLocked(store, p, args)
	case "/ungag":
		return handleUngagCommandLocked(store, p, args)
	case "":
	default:
		store.SendPrivateText(p, fmt.Sprintf("Unknown command %s.", cmd))
		return false
	}

	if store.gags.CheckAndInform(p) {
		return false
	}
	addChatLocked(store, ChatMessage{FromPlayerID: p.ID, FromName: p.Name, Text: msg, At: now, Kind: "global"})
	return true
}

// splitCommand returns the lower-cased slash command and its argument tail;
// plain chat yields an empty command.
func splitCommand(msg string) (string, string) {
	if !strings.HasPrefix(msg, "/") {
		return "", msg
	}
	head, tail, _ := strings.Cut(msg, " ")
	return strings.ToLower(head), strings.TrimSpace(tail)
}

func handleWhisperLocked(store *Store, p *Player, now time.Time, args string) bool {
	name, body, _ := strings.Cut(args, " ")
	body = strings.TrimSpace(body)
	if name == "" || body == "" {
		store.SendPrivateText(p, msgWhisperUsage)
		return false
	}
	target := findPlayerByNameLocked(store, name)
	if target == nil {
		store.SendPrivateText(p, msgWhisperMissing)
		return false
	}
	addChatLocked(store, ChatMessage{FromPlayerID: p.ID, FromName: p.Name, ToPlayerID: target.ID, ToName: target.Name, Text: body, At: now, Kind: "whisper"})
	return true
}

func handleGagCommandLocked(store *Store, p *Player, args string) bool {
	if !p.Moderator {
		store.SendPrivateText(p, msgGagNotAllowed)
		return false
	}
	parts := strings.Fields(args)
	if len(parts) < 3 {
		store.SendPrivateText(p, msgGagUsage)
		return false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		store.SendPrivateText(p, msgGagUsage)
		return false
	}
	store.gags.GagByName(parts[0], p, minutes, strings.Join(parts[2:], " "))
	return true
}

func handleUngagCommandLocked(store *Store, p *Player, args string) bool {
	if !p.Moderator {
		store.SendPrivateText(p, msgGagNotAllowed)
		return false
	}
	parts := strings.Fields(args)
	if len(parts) != 1 {
		store.SendPrivateText(p, msgUngagUsage)
		return false
	}
	target := findPlayerByNameLocked(store, parts[0])
	if target == nil {
		store.SendPrivateText(p, fmt.Sprintf("Player %s not found", parts[0]))
		return false
	}
	store.gags.Release(target)
	store.SendPrivateText(p, fmt.Sprintf("%s is no longer gagged.", target.Name))
	return true
}
