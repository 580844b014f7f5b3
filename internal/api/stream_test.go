package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// chatServer upgrades /chat/stream and replies to one request with the
// given event sequence.
func chatServer(t *testing.T, events []ChatEvent, gotRequest *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/stream", r.URL.Path)

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.ReadJSON(gotRequest))
		for _, ev := range events {
			require.NoError(t, conn.WriteJSON(ev))
		}
	}))
}

func TestChatStream(t *testing.T) {
	events := []ChatEvent{
		{Token: "The "},
		{Token: "answer."},
		{
			Done:  true,
			Graph: &GraphPayload{Summary: "2 nodes", NodeCount: 2, EdgeCount: 1},
			Usage: &UsagePayload{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
		},
	}

	var req chatRequest
	srv := chatServer(t, events, &req)
	defer srv.Close()

	c := New(srv.URL, time.Second)

	var tokens strings.Builder
	var graph *GraphPayload
	var usage *UsagePayload
	err := c.ChatStream(context.Background(), "sess-1", "what is the answer?", func(ev ChatEvent) error {
		tokens.WriteString(ev.Token)
		if ev.Graph != nil {
			graph = ev.Graph
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "what is the answer?", req.Message)
	assert.Equal(t, "The answer.", tokens.String())
	require.NotNil(t, graph)
	assert.Equal(t, 2, graph.NodeCount)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.TotalTokens)
}

func TestChatStreamServerError(t *testing.T) {
	msg := "knowledge graph unavailable"
	events := []ChatEvent{
		{Token: "partial"},
		{Error: &msg},
	}

	var req chatRequest
	srv := chatServer(t, events, &req)
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.ChatStream(context.Background(), "sess-1", "hello", func(ev ChatEvent) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), msg)
}

func TestChatStreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req chatRequest
		require.NoError(t, conn.ReadJSON(&req))
		// Never answer; the client must give up when its context ends.
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, time.Second)
	err := c.ChatStream(ctx, "sess-1", "hello", func(ev ChatEvent) error {
		t.Fatal("no event expected")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
