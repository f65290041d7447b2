package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/arbor/internal/config"
	"github.com/harrison/arbor/internal/episode"
	"github.com/harrison/arbor/internal/memory"
	"github.com/harrison/arbor/internal/models"
)

// NewEpisodesCommand creates the episodes command
func NewEpisodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "Inspect episodic memory of completed runs",
		Long: `List episode records of completed runs, most recent first.

With --request, episodes are filtered to those whose fingerprint matches
the given request text, and outcome statistics for that fingerprint are
shown. With --prefix, episodes are filtered by a raw fingerprint prefix.
The lookup prefers the SQLite index and falls back to scanning the
episodic log.

Examples:
  arbor episodes
  arbor episodes --limit 5
  arbor episodes --request "analyze quarterly numbers"
  arbor episodes --prefix 3fd2`,
		Args: cobra.NoArgs,
		RunE: episodesCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .arbor/config.yaml)")
	cmd.Flags().String("request", "", "Filter episodes matching this request text")
	cmd.Flags().String("prefix", "", "Filter episodes by raw fingerprint prefix")
	cmd.Flags().Int("limit", 20, "Maximum episodes to list (0 = all)")

	return cmd
}

func episodesCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}

	request, _ := cmd.Flags().GetString("request")
	prefix, _ := cmd.Flags().GetString("prefix")
	limit, _ := cmd.Flags().GetInt("limit")

	if request != "" && prefix != "" {
		return fmt.Errorf("--request and --prefix are mutually exclusive")
	}
	// Stats compare full fingerprints; a raw --prefix may be partial.
	wantStats := request != ""
	if request != "" {
		prefix = episode.NewFingerprinter().Fingerprint(request).Normalized
	}

	episodes, stats, err := lookupEpisodes(cmd, cfg, prefix, limit, wantStats)
	if err != nil {
		return err
	}

	if len(episodes) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No episodes recorded.\n")
		return nil
	}

	for _, rec := range episodes {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %-8s  %s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.Outcome,
			formatEpisodeDuration(rec.Duration()),
			rec.EpisodeID,
		)
		if rec.TreeShape != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    shape: %s\n", rec.TreeShape)
		}
		if rec.Diagnostic != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    diagnostic: %s\n", rec.Diagnostic)
		}
	}

	if stats != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nOutcomes for this request: %d completed, %d aborted (avg %s)\n",
			stats.Completed, stats.Aborted,
			formatEpisodeDuration(time.Duration(stats.AvgDurationMS)*time.Millisecond))
	}

	return nil
}

// lookupEpisodes reads from the SQLite index when available and falls back
// to the episodic log.
func lookupEpisodes(cmd *cobra.Command, cfg *config.Config, prefix string, limit int, wantStats bool) ([]models.EpisodeRecord, *episode.OutcomeStats, error) {
	if idxPath, err := cfg.GetIndexPath(); err == nil && idxPath != "" {
		if ix, err := episode.OpenIndex(idxPath); err == nil {
			defer ix.Close()
			episodes, err := ix.FindByFingerprint(cmd.Context(), prefix, limit)
			if err == nil {
				var stats *episode.OutcomeStats
				if wantStats {
					stats, _ = ix.Stats(cmd.Context(), prefix)
				}
				return episodes, stats, nil
			}
		}
	}

	memDir, err := cfg.GetMemoryDir()
	if err != nil {
		return nil, nil, err
	}
	mem, err := memory.Open(memDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	defer mem.Close()

	it := mem.FindEpisodes(prefix)
	var episodes []models.EpisodeRecord
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		episodes = append(episodes, rec)
		if limit > 0 && len(episodes) >= limit {
			break
		}
	}
	return episodes, nil, nil
}

func formatEpisodeDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
