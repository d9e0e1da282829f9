// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package bus

// InboundMessage is published by a channel adapter into the bus's single
// inbound queue. Immutable after publish.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionKey derives the canonical session key for this message: channel and
// chat_id identify a conversation regardless of which sender spoke within it.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MediaAttachment is a media file referenced by URL/path, carried on either
// an inbound or outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// OutboundMessage is routed by the bus dispatcher to the per-sink queue named
// by Channel. metadata.type selects how the sink should render it.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outbound metadata.type values (spec §3).
const (
	TypeMessage        = "message"
	TypeChunk           = "chunk"
	TypeThinking        = "thinking"
	TypeTyping          = "typing"
	TypeStopTyping      = "stop_typing"
	TypeToolExecution   = "tool_execution"
	TypeActivity        = "activity"
	TypeFile            = "file"
	TypeEmbed           = "embed"
	TypeWhatsAppQR      = "whatsapp_qr"
	TypeWhatsAppStatus  = "whatsapp_status"
	TypeNotification    = "notification"
	TypeRateLimitError  = "rate_limit_error"
	TypeCancellation    = "cancellation"
)

// MetaType returns msg.Metadata["type"], or "" if unset.
func (m OutboundMessage) MetaType() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata["type"]
}
