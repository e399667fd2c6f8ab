package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/facecache"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Bring a user's encoding cache in line with the gallery",
	Long: `Embed new and changed reference images, drop entries of removed images
and persist the cache. Unchanged images are not sent to the embedding
service again, so a rebuild right after another one does no work.

Examples:
  facegallery rebuild -u alice
  facegallery rebuild -u alice --json`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	addUserFlag(rebuildCmd)

	rebuildCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// RebuildOutput is the JSON form of a rebuild.
type RebuildOutput struct {
	facecache.Result
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

func runRebuild(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.workspaceFor(ctx, mustGetString(cmd, "user"))
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	progress := facecache.WithProgress(func(p facecache.Progress) {
		if jsonOutput {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(p.Total,
				progressbar.OptionSetDescription("Embedding reference images"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}
		_ = bar.Set(p.Done)
	})

	start := time.Now()
	res, err := ws.Rebuild(ctx, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return fmt.Errorf("rebuild interrupted, the previous cache is still in use: %w", err)
		}
		return fmt.Errorf("rebuild failed: %w", err)
	}
	elapsed := time.Since(start)

	if jsonOutput {
		return outputJSON(RebuildOutput{
			Result:        res,
			DurationMs:    elapsed.Milliseconds(),
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		})
	}

	fmt.Printf("Rebuild finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Embedded:   %d\n", res.Updated)
	fmt.Printf("  Moved:      %d\n", res.Moved)
	fmt.Printf("  Removed:    %d\n", res.Removed)
	fmt.Printf("  Unchanged:  %d\n", res.Unchanged)
	if res.Failed > 0 {
		fmt.Printf("  Failed:     %d (retried on the next rebuild)\n", res.Failed)
	}
	fmt.Printf("  Faces:      %d\n", res.Faces)
	return nil
}
