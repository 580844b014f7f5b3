package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/graphdoc-go/internal/ingest"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Preview how a document would be processed",
	Long: `Analyze a document without uploading it.

The service returns a prediction of the document type, a content preview
and a processing estimate. If the service is unreachable a low-confidence
local fallback is shown instead; analysis never blocks a later upload.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	f, err := ingest.FileFromPath(args[0])
	if err != nil {
		return err
	}

	queue := ingest.NewQueue(client, ingest.Options{
		MaxFileSize:  cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedTypes,
	}, logger)

	records, err := queue.Enqueue(f)
	if err != nil {
		return err
	}

	rec, err := queue.StartAnalysis(cmd.Context(), records[0].ID)
	if err != nil {
		return err
	}
	a := rec.Analysis

	fmt.Printf("File:           %s (%d bytes)\n", rec.File.Name, rec.File.Size)
	fmt.Printf("Document type:  %s\n", a.PredictedDocumentType)
	fmt.Printf("Confidence:     %.0f%%\n", a.Confidence*100)
	fmt.Printf("Est. duration:  %.0fs\n", a.EstimatedDurationSeconds)
	fmt.Printf("Est. chunks:    %d\n", a.EstimatedChunks)
	if len(a.ProcessingSteps) > 0 {
		fmt.Printf("Steps:          %s\n", strings.Join(a.ProcessingSteps, ", "))
	}
	for _, w := range a.Warnings {
		fmt.Printf("Warning:        %s\n", w)
	}
	if a.PreviewText != "" && verbose {
		fmt.Printf("\n%s\n", a.PreviewText)
	}

	return nil
}
