package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
	"github.com/raphaelgruber/graphdoc-go/internal/session"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask a question about the uploaded documents",
	Long: `Send a message to the knowledge-extraction service and stream the
answer. The exchange is appended to the active session (or the one named
with --session) so the conversation survives restarts.

Examples:
  graphdoc chat "Which controls does the audit report define?"
  graphdoc chat --session 3fa8 "Summarize the architecture docs"`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id (default: the active session)")
}

func runChat(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := store.CurrentID()
	if chatSession != "" {
		sessionID, err = resolveSession(store, chatSession)
		if err != nil {
			return err
		}
	}

	message := args[0]
	if err := store.AddMessage(sessionID, session.Message{
		Role:    session.RoleUser,
		Content: message,
	}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	var (
		reply strings.Builder
		graph *session.GraphExplanation
		usage *session.Usage
	)

	err = client.ChatStream(cmd.Context(), sessionID, message, func(ev api.ChatEvent) error {
		if ev.Token != "" {
			fmt.Print(ev.Token)
			reply.WriteString(ev.Token)
		}
		if ev.Graph != nil {
			graph = &session.GraphExplanation{
				Summary:     ev.Graph.Summary,
				NodeCount:   ev.Graph.NodeCount,
				EdgeCount:   ev.Graph.EdgeCount,
				Highlighted: ev.Graph.Highlighted,
			}
		}
		if ev.Usage != nil {
			usage = &session.Usage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.CompletionTokens,
				TotalTokens:      ev.Usage.TotalTokens,
			}
		}
		return nil
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}

	if graph != nil {
		fmt.Printf("\n(grounded on %d nodes, %d relations)\n", graph.NodeCount, graph.EdgeCount)
	}
	if usage != nil && verbose {
		fmt.Printf("(%d tokens)\n", usage.TotalTokens)
	}

	return store.AddMessage(sessionID, session.Message{
		Role:    session.RoleAssistant,
		Content: reply.String(),
		Graph:   graph,
		Usage:   usage,
	})
}
