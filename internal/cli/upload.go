package cli

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/graphdoc-go/internal/ingest"
)

var (
	uploadSkipAnalysis bool
	uploadPlain        bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents for knowledge extraction",
	Long: `Upload one or more documents to the graphdoc service.

Each file is analyzed first (an advisory preview that never blocks the
upload), then submitted. Large documents are processed in the background;
the command tracks their progress until every file settles.

Examples:
  graphdoc upload report.pdf
  graphdoc upload notes.md audit.docx --skip-analysis
  graphdoc upload *.pdf --plain > upload.log`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadSkipAnalysis, "skip-analysis", false, "skip the preliminary analysis step")
	uploadCmd.Flags().BoolVar(&uploadPlain, "plain", false, "disable the interactive progress display")
}

func runUpload(cmd *cobra.Command, args []string) error {
	files := make([]ingest.File, 0, len(args))
	for _, path := range args {
		f, err := ingest.FileFromPath(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	queue := ingest.NewQueue(client, ingest.Options{
		MaxFileSize:  cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedTypes,
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
	}, logger)

	records, err := queue.Enqueue(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: rejected files:\n%v\n", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no files accepted")
	}

	go driveQueue(cmd.Context(), queue, records)

	if uploadPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return runPlainProgress(queue)
	}
	return runQueueProgress(queue)
}

// driveQueue pushes each record through analysis and upload with bounded
// concurrency.
func driveQueue(ctx context.Context, q *ingest.Queue, records []ingest.Record) {
	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	for _, rec := range records {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if !uploadSkipAnalysis {
				if _, err := q.StartAnalysis(ctx, id); err != nil {
					return
				}
			}
			if _, err := q.StartUpload(ctx, id); err != nil {
				logger.Warn("upload aborted", "record_id", id, "error", err)
			}
		}(rec.ID)
	}

	wg.Wait()
}

// runPlainProgress reports phase transitions as log lines and waits for
// every record to settle. Used when stdout is not a terminal.
func runPlainProgress(q *ingest.Queue) error {
	updates := q.Subscribe()
	last := make(map[string]ingest.Phase)

	report := func() {
		for _, rec := range q.Records() {
			if last[rec.ID] == rec.Phase {
				continue
			}
			last[rec.ID] = rec.Phase

			switch rec.Phase {
			case ingest.PhaseSuccess:
				fmt.Printf("%s: done", rec.File.Name)
				if rec.Result != nil {
					fmt.Printf(" (%d chunks, %d nodes)", rec.Result.NumChunks, rec.Result.GraphNodesCreated)
				}
				fmt.Println()
			case ingest.PhaseError:
				msg := "unknown error"
				if rec.Err != nil {
					msg = rec.Err.Message
				}
				fmt.Printf("%s: failed: %s\n", rec.File.Name, msg)
			default:
				fmt.Printf("%s: %s\n", rec.File.Name, rec.Phase)
			}
		}
	}

	report()
	for !q.Settled() {
		<-updates
		report()
	}
	report()

	return queueExitError(q)
}

// queueExitError returns a non-nil error if any record ended in failure.
func queueExitError(q *ingest.Queue) error {
	var failed int
	for _, rec := range q.Records() {
		if rec.Phase == ingest.PhaseError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}
