// Package source reads and writes the IDE's volatile chat databases.
//
// Each state.vscdb is a SQLite file with a cursorDiskKV(key, value) table.
// Conversation headers live under composerData:<id> and individual turns under
// bubbleId:<conversationId>:<bubbleId>, both as JSON documents.
package source

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const (
	kvTable             = "cursorDiskKV"
	itemTable           = "ItemTable"
	composerKeyPrefix   = "composerData:"
	bubbleKeyPrefix     = "bubbleId:"
	composerMembersKey  = "composer.composerData"
	sourceDocVersion    = 10
	bubbleTypeUser      = 1
	bubbleTypeAssistant = 2
	bubbleTypeUnknown   = 0
)

type rawComposer struct {
	Version     int               `json:"_v,omitempty"`
	ComposerID  string            `json:"composerId"`
	CreatedAt   *int64            `json:"createdAt,omitempty"`
	ModelConfig *rawModelConfig   `json:"modelConfig,omitempty"`
	UnifiedMode string            `json:"unifiedMode,omitempty"`
	Headers     []rawBubbleHeader `json:"fullConversationHeadersOnly,omitempty"`
}

type rawModelConfig struct {
	ModelName string `json:"modelName"`
	MaxMode   bool   `json:"maxMode"`
}

type rawBubbleHeader struct {
	BubbleID string `json:"bubbleId"`
	Type     int    `json:"type"`
}

type rawBubble struct {
	Version            int            `json:"_v,omitempty"`
	BubbleID           string         `json:"bubbleId"`
	Type               int            `json:"type"`
	Text               string         `json:"text"`
	CreatedAt          flexibleTime   `json:"createdAt,omitempty"`
	Thinking           *rawThinking   `json:"thinking,omitempty"`
	ThinkingDurationMs *int64         `json:"thinkingDurationMs,omitempty"`
	TokenCount         *rawTokenCount `json:"tokenCount,omitempty"`
	IsAgentic          bool           `json:"isAgentic"`

	WorkspaceURIs       []string `json:"workspaceUris,omitempty"`
	WorkspaceProjectDir string   `json:"workspaceProjectDir,omitempty"`
}

type rawThinking struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

type rawTokenCount struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type rawComposerMembers struct {
	AllComposers []struct {
		ComposerID string `json:"composerId"`
	} `json:"allComposers"`
}

// flexibleTime accepts RFC3339 strings, millisecond strings and millisecond
// numbers.
type flexibleTime struct {
	time.Time
}

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Time = parseTimestamp(s)
		return nil
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC()
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func roleFromBubbleType(kind int) chatvault.Role {
	switch kind {
	case bubbleTypeUser:
		return chatvault.RoleUser
	case bubbleTypeAssistant:
		return chatvault.RoleAssistant
	default:
		return chatvault.RoleSystem
	}
}

func bubbleTypeFromRole(role chatvault.Role) int {
	switch role {
	case chatvault.RoleUser:
		return bubbleTypeUser
	case chatvault.RoleAssistant:
		return bubbleTypeAssistant
	default:
		return bubbleTypeUnknown
	}
}

func conversationIDFromBubbleKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, bubbleKeyPrefix)
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, ":")
	return id, id != ""
}

func composerIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, composerKeyPrefix)
	return id, ok && id != ""
}

func bubbleToMessage(b rawBubble) chatvault.Message {
	msg := chatvault.Message{
		ID:        b.BubbleID,
		Role:      roleFromBubbleType(b.Type),
		Content:   b.Text,
		CreatedAt: b.CreatedAt.Time,
	}
	meta := chatvault.MessageMetadata{Agentic: b.IsAgentic}
	if b.TokenCount != nil {
		meta.InputTokens = b.TokenCount.InputTokens
		meta.OutputTokens = b.TokenCount.OutputTokens
	}
	if b.Thinking != nil {
		meta.Thinking = b.Thinking.Text
		meta.ThinkingSignature = b.Thinking.Signature
	}
	if b.ThinkingDurationMs != nil {
		meta.ThinkingDurationMs = *b.ThinkingDurationMs
	}
	if !meta.IsZero() {
		msg.Metadata = &meta
	}
	return msg
}

func messageToBubble(msg chatvault.Message) rawBubble {
	b := rawBubble{
		Version:    sourceDocVersion,
		BubbleID:   msg.ID,
		Type:       bubbleTypeFromRole(msg.Role),
		Text:       msg.Content,
		CreatedAt:  flexibleTime{msg.CreatedAt},
		TokenCount: &rawTokenCount{},
	}
	if msg.Metadata != nil {
		b.IsAgentic = msg.Metadata.Agentic
		b.TokenCount.InputTokens = msg.Metadata.InputTokens
		b.TokenCount.OutputTokens = msg.Metadata.OutputTokens
		if msg.Metadata.Thinking != "" || msg.Metadata.ThinkingSignature != "" {
			b.Thinking = &rawThinking{Text: msg.Metadata.Thinking, Signature: msg.Metadata.ThinkingSignature}
		}
		if msg.Metadata.ThinkingDurationMs != 0 {
			duration := msg.Metadata.ThinkingDurationMs
			b.ThinkingDurationMs = &duration
		}
	}
	return b
}

func (t flexibleTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// orderBubbles sorts bubbles by the header order when the header lists them,
// appending the rest by creation time then id.
func orderBubbles(bubbles []rawBubble, headers []rawBubbleHeader) {
	position := make(map[string]int, len(headers))
	for i, h := range headers {
		if _, ok := position[h.BubbleID]; !ok {
			position[h.BubbleID] = i
		}
	}
	sort.SliceStable(bubbles, func(i, j int) bool {
		pi, iok := position[bubbles[i].BubbleID]
		pj, jok := position[bubbles[j].BubbleID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		ti, tj := bubbles[i].CreatedAt.Time, bubbles[j].CreatedAt.Time
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return bubbles[i].BubbleID < bubbles[j].BubbleID
	})
}
