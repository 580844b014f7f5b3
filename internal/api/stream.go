package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GraphPayload describes the subgraph the assistant answer is grounded on.
type GraphPayload struct {
	Summary     string   `json:"summary,omitempty"`
	NodeCount   int      `json:"node_count"`
	EdgeCount   int      `json:"edge_count"`
	Highlighted []string `json:"highlighted,omitempty"`
}

// UsagePayload reports token consumption for one exchange.
type UsagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatEvent is one streamed chat message fragment.
type ChatEvent struct {
	Token string        `json:"token,omitempty"`
	Done  bool          `json:"done"`
	Error *string       `json:"error,omitempty"`
	Graph *GraphPayload `json:"graph,omitempty"`
	Usage *UsagePayload `json:"usage,omitempty"`
}

// chatRequest opens a streamed exchange.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatStream sends a user message and streams the assistant reply.
// The onEvent callback is invoked for each event. Return an error from
// onEvent to abort the stream.
func (c *Client) ChatStream(ctx context.Context, sessionID, message string, onEvent func(ChatEvent) error) error {
	wsEndpoint := c.endpoint + "/chat/stream"
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	if err := conn.WriteJSON(chatRequest{SessionID: sessionID, Message: message}); err != nil {
		return fmt.Errorf("send chat request: %w", err)
	}

	// Close the connection if the context is cancelled mid-stream
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		var event ChatEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}

		if event.Error != nil {
			return fmt.Errorf("stream error: %s", *event.Error)
		}

		if err := onEvent(event); err != nil {
			return err
		}

		if event.Done {
			return nil
		}
	}
}
