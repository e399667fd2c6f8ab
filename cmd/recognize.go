package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/recognition"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <photo>",
	Short: "Match the faces in a photo against a user's gallery",
	Long: `Detect the faces in a photo and match each against the user's cached
reference encodings. Faces further than the threshold from every reference
are reported as Unknown.

Examples:
  facegallery recognize -u alice party.jpg
  facegallery recognize -u alice party.jpg --candidates 3
  facegallery recognize -u alice party.jpg --rebuild --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
	addUserFlag(recognizeCmd)

	recognizeCmd.Flags().Int("candidates", 0, "List the N closest people per face instead of a single match")
	recognizeCmd.Flags().Bool("rebuild", false, "Rebuild the cache before matching (automatic when the cache was discarded)")
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	candidates := mustGetInt(cmd, "candidates")
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read photo: %w", err)
	}

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
	if ws.Cache.NeedsRebuild() {
		fmt.Fprintln(os.Stderr, "Cache document was unusable and has been discarded, rebuilding")
	}
	if mustGetBool(cmd, "rebuild") || ws.Cache.NeedsRebuild() {
		if _, err := ws.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}
	}
	engine, err := newEngine(cfg, a.emb)
	if err != nil {
		return err
	}
	snap := ws.Cache.Snapshot()

	if candidates > 0 {
		faces, err := engine.Candidates(ctx, snap, data, candidates)
		if err != nil {
			return fmt.Errorf("recognition failed: %w", err)
		}
		if jsonOutput {
			return outputJSON(faces)
		}
		printCandidates(faces)
		return nil
	}

	results, err := engine.Recognize(ctx, snap, data)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}
	if jsonOutput {
		return outputJSON(results)
	}

	if len(snap.Refs()) == 0 {
		fmt.Println("Warning: the cache is empty, run 'facegallery rebuild' first")
	}
	if len(results) == 0 {
		fmt.Println("No faces found")
		return nil
	}
	fmt.Printf("Found %d faces (threshold %.2f)\n", len(results), engine.Threshold())
	for _, r := range results {
		fmt.Printf("  #%d  %-24s distance %.3f  confidence %3.0f%%  box %v\n",
			r.FaceIndex, r.Person, r.Distance, r.Confidence*100, r.BBox)
	}
	return nil
}

func printCandidates(faces []recognition.FaceCandidates) {
	if len(faces) == 0 {
		fmt.Println("No faces found")
		return
	}
	for _, f := range faces {
		fmt.Printf("Face #%d  box %v\n", f.FaceIndex, f.BBox)
		if len(f.Candidates) == 0 {
			fmt.Println("  (no references)")
		}
		for _, c := range f.Candidates {
			mark := " "
			if c.Match {
				mark = "*"
			}
			fmt.Printf("  %s %-24s distance %.3f  image %s\n", mark, c.Person, c.Distance, c.ImageID)
		}
	}
}
