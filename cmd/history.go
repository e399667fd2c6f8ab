package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/ledger"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show a user's confirmation history, newest first",
	Long: `Show the verdicts recorded for recognition results, newest first.

Examples:
  facegallery history -u alice
  facegallery history -u alice --person "Ada Lovelace" --limit 20
  facegallery history -u alice --all --json > alice-confirmations.json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	addUserFlag(historyCmd)

	historyCmd.Flags().String("person", "", "Only records naming this person (reported or corrected)")
	historyCmd.Flags().Int("limit", constants.DefaultHistoryLimit, "Maximum number of records")
	historyCmd.Flags().Bool("all", false, "Ignore --limit and print every record")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

// historyRecord is the JSON form of a confirmation, without the embedding.
type historyRecord struct {
	ID              string    `json:"id"`
	FaceIndex       int       `json:"face_index"`
	BBox            []float64 `json:"bbox"`
	Person          string    `json:"person"`
	ImageID         string    `json:"image_id,omitempty"`
	Distance        float64   `json:"distance"`
	Confidence      float64   `json:"confidence"`
	Verdict         string    `json:"verdict"`
	CorrectedPerson string    `json:"corrected_person,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	person := mustGetString(cmd, "person")

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, err := a.userID(ctx, mustGetString(cmd, "user"))
	if err != nil {
		return err
	}
	l := ledger.New(a.db, a.manager, nil)

	var records []database.Confirmation
	if mustGetBool(cmd, "all") {
		records, err = l.All(ctx, userID, person)
	} else {
		records, err = l.History(ctx, userID, person, mustGetInt(cmd, "limit"))
	}
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if mustGetBool(cmd, "json") {
		out := make([]historyRecord, 0, len(records))
		for _, c := range records {
			out = append(out, historyRecord{
				ID: c.ID, FaceIndex: c.FaceIndex, BBox: c.BBox, Person: c.Person, ImageID: c.ImageID,
				Distance: c.Distance, Confidence: c.Confidence, Verdict: string(c.Verdict),
				CorrectedPerson: c.CorrectedPerson, CreatedAt: c.CreatedAt,
			})
		}
		return outputJSON(out)
	}

	total, err := l.Count(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count confirmations: %w", err)
	}
	fmt.Printf("%d of %d confirmations\n", len(records), total)
	for _, c := range records {
		line := fmt.Sprintf("%s  %-9s  %s", c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Verdict, c.Person)
		if c.CorrectedPerson != "" {
			line += " -> " + c.CorrectedPerson
		}
		fmt.Printf("%s  (distance %.3f)\n", line, c.Distance)
	}
	return nil
}
