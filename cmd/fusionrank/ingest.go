package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zenglow/fusionrank/internal/ingest"
)

var (
	ingestTenant     string
	ingestSourceType string
	ingestTopics     []string
	ingestExtensions []string
	ingestID         string
	ingestText       string
	ingestTitle      string
)

func init() {
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "", "tenant to ingest into (default \"default\")")
	ingestCmd.Flags().StringVar(&ingestSourceType, "source-type", "", "source type recorded on each document")
	ingestCmd.Flags().StringSliceVar(&ingestTopics, "topic", nil, "topic label added to every chunk (repeatable)")
	ingestCmd.Flags().StringSliceVar(&ingestExtensions, "ext", []string{".md", ".txt"}, "file extensions accepted when walking directories")
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "external ID for --text")
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "ingest this text instead of files")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "title for --text")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Ingest files or inline text",
	Long: `Chunk, embed and store documents. Paths may be files, directories (walked
recursively) or glob patterns; each file path becomes the document's external
ID. Re-ingesting a changed file creates a new version and supersedes the old
one; unchanged files are skipped.

Examples:
  # Ingest a docs tree
  fusionrank ingest --tenant acme docs/

  # Ingest inline text
  fusionrank ingest --tenant acme --id faq-refunds --text "Refunds take five days."`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestText == "" && len(args) == 0 {
		return errors.New("provide paths to ingest or --text")
	}
	if ingestText != "" && ingestID == "" {
		return errors.New("--id is required with --text")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if ingestText != "" {
		result, err := a.Ingester.Ingest(ctx, ingest.Request{
			TenantID:   ingestTenant,
			ExternalID: ingestID,
			Title:      ingestTitle,
			SourceType: ingestSourceType,
			Text:       ingestText,
			Topics:     ingestTopics,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}

	stats, err := a.Ingester.IngestFiles(ctx, args, ingest.FileOptions{
		TenantID:   ingestTenant,
		SourceType: ingestSourceType,
		Topics:     ingestTopics,
		Extensions: ingestExtensions,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), stats); err != nil {
		return err
	}
	if stats.FilesFailed > 0 {
		return fmt.Errorf("%d files failed to ingest", stats.FilesFailed)
	}
	return nil
}
