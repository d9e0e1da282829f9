// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package tagparser implements the structured side-effect tag extractor
// (C5): it scans the final assistant text for a closed vocabulary of
// XML-like tags, validates and executes each one's side effect, and
// returns the text with every recognized tag span removed (spec.md §4.5).
//
// Tag processing runs once, on the final assembled assistant text, never on
// streaming partial chunks, so side effects are never executed twice. The
// stream consumer (pkg/bus.StreamNotifier callers) strips only <think>
// blocks; tag bodies are not suppressed from streamed chunks and are
// removed only from the final text.
package tagparser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/persona"
)

// tagNames is the closed vocabulary recognized by the parser, in no
// particular priority order (tags are matched wherever they occur in text
// order, not by this list's order).
var tagNames = []string{
	"save_soul",
	"save_identity",
	"save_mood",
	"save_relationship",
	"save_user",
	"log_memory",
	"save_memory",
	"discord_send",
	"discord_embed",
}

// forbiddenFragments are meta-prompt fragments that make a tag's content
// invalid regardless of length: attempts to smuggle new instructions into a
// persona file or memory entry via the tag's own body.
var forbiddenFragments = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"disregard all prior",
	"you are now",
	"new system prompt",
	"<system>",
	"act as a different",
}

var openTagRe = buildOpenTagRegexp()

func buildOpenTagRegexp() *regexp.Regexp {
	return regexp.MustCompile(`<(` + strings.Join(tagNames, "|") + `)((?:\s+[a-zA-Z_][a-zA-Z0-9_]*="[^"]*")*)\s*>`)
}

var attrRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)="([^"]*)"`)

type match struct {
	tag       string
	attrs     map[string]string
	start     int // start of opening tag
	openEnd   int // end of opening tag (start of content)
	contentEnd int // end of content (before close tag or next open tag)
	spanEnd   int // end of the whole span to remove (includes close tag if matched)
}

// Result is the outcome of Process: the text with every recognized tag
// span removed, and which persona artifacts were updated so the caller can
// invalidate the prompt-assembler's stable-prompt cache (spec.md §4.6).
type Result struct {
	CleanText           string
	SoulUpdated         bool
	IdentityUpdated     bool
	MoodUpdated         bool
	RelationshipUpdated bool
}

// Deps are the side-effect targets the parser's tags act on.
type Deps struct {
	Persona *persona.Store
	Bus     *bus.MessageBus
	// DefaultChatID is the chat_id of the triggering inbound message, used
	// as the default chat_id target for discord_* tags when no explicit
	// chat_id attribute is present.
	DefaultChatID string
}

const neutralPlaceholder = "Done."

// Process scans text for every recognized tag in document order, executes
// each validated tag's side effect via deps, and returns the cleaned text.
func Process(text string, senderID string, deps Deps) Result {
	matches := findMatches(text)

	var res Result
	var b strings.Builder
	cursor := 0

	for _, m := range matches {
		b.WriteString(text[cursor:m.start])
		cursor = m.spanEnd

		content := strings.TrimSpace(text[m.openEnd:m.contentEnd])
		if err := validate(m.tag, content, m.attrs); err != nil {
			logger.WarnCF("tagparser", "tag validation failed, stripping without side effect", map[string]interface{}{
				"tag":   m.tag,
				"error": err.Error(),
			})
			continue
		}

		if execErr := execute(m.tag, content, m.attrs, senderID, deps); execErr != nil {
			logger.WarnCF("tagparser", "tag side effect failed", map[string]interface{}{
				"tag":   m.tag,
				"error": execErr.Error(),
			})
			continue
		}

		switch m.tag {
		case "save_soul":
			res.SoulUpdated = true
		case "save_identity":
			res.IdentityUpdated = true
		case "save_mood":
			res.MoodUpdated = true
		case "save_relationship":
			res.RelationshipUpdated = true
		}
	}
	b.WriteString(text[cursor:])

	clean := stripOrphanClosingTags(b.String())
	clean = collapseNewlines(clean)
	clean = strings.TrimSpace(clean)

	if clean == "" && strings.TrimSpace(text) != "" {
		clean = neutralPlaceholder
	}

	res.CleanText = clean
	return res
}

// findMatches locates every opening tag and resolves its content span
// (hard closure on a matching close tag, soft closure on the next
// recognized opening tag or end-of-string).
func findMatches(text string) []match {
	opens := openTagRe.FindAllStringSubmatchIndex(text, -1)
	if len(opens) == 0 {
		return nil
	}

	matches := make([]match, 0, len(opens))
	for i, idxs := range opens {
		tag := text[idxs[2]:idxs[3]]
		var attrsRaw string
		if idxs[4] >= 0 {
			attrsRaw = text[idxs[4]:idxs[5]]
		}

		m := match{
			tag:     tag,
			attrs:   parseAttrs(attrsRaw),
			start:   idxs[0],
			openEnd: idxs[1],
		}

		// Default soft-closure boundary: the next opening tag, or EOF.
		softEnd := len(text)
		if i+1 < len(opens) {
			softEnd = opens[i+1][0]
		}

		closeTag := "</" + tag + ">"
		if closeIdx := strings.Index(text[m.openEnd:softEnd], closeTag); closeIdx >= 0 {
			m.contentEnd = m.openEnd + closeIdx
			m.spanEnd = m.contentEnd + len(closeTag)
		} else {
			m.contentEnd = softEnd
			m.spanEnd = softEnd
		}

		matches = append(matches, m)
	}
	return matches
}

func parseAttrs(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(raw, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

var closeTagRe = regexp.MustCompile(`</(` + strings.Join(tagNames, "|") + `)>`)

func stripOrphanClosingTags(text string) string {
	return closeTagRe.ReplaceAllString(text, "")
}

var threeOrMoreNewlines = regexp.MustCompile(`\n{3,}`)

func collapseNewlines(text string) string {
	return threeOrMoreNewlines.ReplaceAllString(text, "\n\n")
}

// validate checks content length/required-field/forbidden-fragment rules
// per tag (spec.md §4.5). It never executes a side effect.
func validate(tag, content string, attrs map[string]string) error {
	lower := strings.ToLower(content)
	for _, frag := range forbiddenFragments {
		if strings.Contains(lower, frag) {
			return fmt.Errorf("content contains forbidden fragment %q", frag)
		}
	}

	switch tag {
	case "save_soul":
		if len(content) < 20 {
			return fmt.Errorf("soul content too short")
		}
	case "save_identity":
		if len(content) < 10 || !strings.Contains(lower, "name") {
			return fmt.Errorf("identity content missing required Name field")
		}
	case "save_mood", "save_relationship":
		if len(content) == 0 {
			return fmt.Errorf("empty content")
		}
	case "save_user":
		if content == "" {
			return fmt.Errorf("empty content")
		}
	case "log_memory", "save_memory":
		if content == "" {
			return fmt.Errorf("empty content")
		}
	case "discord_send", "discord_embed":
		if content == "" {
			return fmt.Errorf("empty content")
		}
	default:
		return fmt.Errorf("unrecognized tag %q", tag)
	}
	return nil
}

// execute runs the side effect for a validated tag.
func execute(tag, content string, attrs map[string]string, senderID string, deps Deps) error {
	switch tag {
	case "save_soul":
		return deps.Persona.SaveSoul(content)
	case "save_identity":
		return deps.Persona.SaveIdentity(content)
	case "save_mood":
		return deps.Persona.SaveMood(content)
	case "save_relationship":
		return deps.Persona.SaveRelationships(content)
	case "save_user":
		target := attrs["sender_id"]
		if target == "" {
			target = senderID
		}
		return deps.Persona.SaveUser(target, content)
	case "log_memory":
		return deps.Persona.LogMemory(content)
	case "save_memory":
		return deps.Persona.SaveMemory(content)
	case "discord_send":
		return publishDiscord(deps, attrs, content, false)
	case "discord_embed":
		return publishDiscord(deps, attrs, content, true)
	}
	return nil
}

func publishDiscord(deps Deps, attrs map[string]string, content string, embed bool) error {
	if deps.Bus == nil {
		return fmt.Errorf("no bus configured for discord publish")
	}
	chatID := attrs["chat_id"]
	if chatID == "" {
		chatID = deps.DefaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("discord tag missing chat_id")
	}

	metaType := "message"
	if embed {
		metaType = "embed"
	}
	deps.Bus.PublishOutbound(bus.OutboundMessage{
		Channel:  "discord",
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]string{"type": metaType},
	})
	return nil
}
