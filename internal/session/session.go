// Package session implements the persisted chat session store: schema
// validation, safe import/export and the derived sorted-by-activity view.
package session

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the fixed enumeration.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GraphExplanation is the graph-grounding payload an assistant message
// may carry.
type GraphExplanation struct {
	Summary     string   `json:"summary,omitempty"`
	NodeCount   int      `json:"node_count"`
	EdgeCount   int      `json:"edge_count"`
	Highlighted []string `json:"highlighted,omitempty"`
}

// Message is a single chat message. Messages are immutable once appended;
// the store's AddMessage is the only mutation entry point.
type Message struct {
	ID        string            `json:"id" validate:"required"`
	Role      Role              `json:"role" validate:"required,oneof=user assistant system"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	Graph     *GraphExplanation `json:"graph,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
}

// Metadata is derived from the message sequence and kept consistent by
// the store: total_messages always equals len(messages).
type Metadata struct {
	TotalMessages int   `json:"total_messages"`
	HasGraphData  bool  `json:"has_graph_data"`
	Usage         Usage `json:"usage"`
}

// Session is a persisted conversation thread.
type Session struct {
	ID           string    `json:"id" validate:"required"`
	Title        string    `json:"title" validate:"required"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at" validate:"required"`
	LastActivity time.Time `json:"last_activity" validate:"required"`
	Metadata     Metadata  `json:"metadata"`
}

// computeMetadata derives the session metadata from its messages.
func computeMetadata(messages []Message) Metadata {
	md := Metadata{TotalMessages: len(messages)}
	for _, m := range messages {
		if m.Graph != nil {
			md.HasGraphData = true
		}
		if m.Usage != nil {
			md.Usage.PromptTokens += m.Usage.PromptTokens
			md.Usage.CompletionTokens += m.Usage.CompletionTokens
			md.Usage.TotalTokens += m.Usage.TotalTokens
		}
	}
	return md
}
