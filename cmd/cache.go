package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Encoding cache commands",
	Long:  `Commands for inspecting the persisted per-user encoding caches.`,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what a user's encoding cache holds",
	Args:  cobra.NoArgs,
	RunE:  runCacheStatus,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	addUserFlag(cacheStatusCmd)

	cacheStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.workspaceFor(ctx, mustGetString(cmd, "user"))
	if err != nil {
		return err
	}
	stats := ws.Cache.Stats()
	if mustGetBool(cmd, "json") {
		return outputJSON(stats)
	}

	fmt.Printf("Cache backend: %s (%s)\n", cfg.Cache.Backend, cfg.Cache.Dir)
	fmt.Printf("People:        %d\n", stats.People)
	fmt.Printf("Images:        %d\n", stats.Images)
	fmt.Printf("Faces:         %d\n", stats.Faces)
	if stats.BuiltAt.IsZero() {
		fmt.Println("Built:         never")
	} else {
		fmt.Printf("Built:         %s\n", stats.BuiltAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Persisted:     %t\n", stats.Persisted)
	if stats.NeedsRebuild {
		fmt.Println("The stored cache document was unusable and was discarded, run 'facegallery rebuild'")
	}
	return nil
}
