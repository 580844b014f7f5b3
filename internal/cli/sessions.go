package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/graphdoc-go/internal/session"
)

var (
	sessionsNewTitle  string
	sessionsExportOut string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
	Long: `Manage the locally persisted chat sessions.

Without a subcommand, lists all sessions sorted by last activity. The
active session (marked with *) is the one 'graphdoc chat' talks to.`,
	RunE: runSessionsList,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new session and make it active",
	Args:  cobra.NoArgs,
	RunE:  runSessionsNew,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a session the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsUse,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a previously exported session",
	Long: `Import a session from an exported JSON file.

The import is validated before anything is committed: a malformed file is
rejected as a whole, while individually invalid messages inside an
otherwise valid session are dropped. The imported session becomes active.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsImport,
}

func init() {
	sessionsNewCmd.Flags().StringVarP(&sessionsNewTitle, "title", "t", "", "session title")
	sessionsExportCmd.Flags().StringVarP(&sessionsExportOut, "output", "o", "", "write to file instead of stdout")

	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsUseCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsImportCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	current := store.CurrentID()
	for _, sess := range store.Sessions() {
		marker := " "
		if sess.ID == current {
			marker = "*"
		}
		fmt.Printf("%s %s  %-30s  %3d messages  %s\n",
			marker,
			sess.ID[:8],
			sess.Title,
			sess.Metadata.TotalMessages,
			sess.LastActivity.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSessionsNew(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.CreateSession(sessionsNewTitle)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("Created session %s (%s)\n", sess.ID[:8], sess.Title)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := resolveSession(store, args[0])
	if err != nil {
		return err
	}
	if err := store.DeleteSession(id); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", id[:8])
	return nil
}

func runSessionsUse(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := resolveSession(store, args[0])
	if err != nil {
		return err
	}
	if err := store.SetCurrent(id); err != nil {
		return err
	}
	fmt.Printf("Active session is now %s\n", id[:8])
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := resolveSession(store, args[0])
	if err != nil {
		return err
	}
	data, err := store.ExportSession(id)
	if err != nil {
		return err
	}

	if sessionsExportOut == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(sessionsExportOut, data, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Printf("Exported session %s to %s\n", id[:8], sessionsExportOut)
	return nil
}

func runSessionsImport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}

	if !store.ImportSession(data) {
		return fmt.Errorf("import rejected: %s is not a valid session export", args[0])
	}
	fmt.Printf("Imported session %s\n", store.CurrentID()[:8])
	return nil
}

// resolveSession matches a (possibly abbreviated) session id against the
// store. Ambiguous prefixes are an error.
func resolveSession(store *session.Store, arg string) (string, error) {
	var matches []string
	for _, sess := range store.Sessions() {
		if strings.HasPrefix(sess.ID, arg) {
			matches = append(matches, sess.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("session %s: not found", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session id %s is ambiguous (%d matches)", arg, len(matches))
	}
}
