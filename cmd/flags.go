package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// mustFlag unwraps a pflag getter. Flags are registered in init(), so a
// lookup failure is a programming bug.
func mustFlag[T any](val T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("flag error: %v", err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	return mustFlag(cmd.Flags().GetBool(name))
}

func mustGetInt(cmd *cobra.Command, name string) int {
	return mustFlag(cmd.Flags().GetInt(name))
}

func mustGetString(cmd *cobra.Command, name string) string {
	return mustFlag(cmd.Flags().GetString(name))
}

// addUserFlag registers the required --user flag of commands that act on
// one user's gallery.
func addUserFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("user", "u", "", "Username whose gallery to use (required)")
	_ = cmd.MarkFlagRequired("user")
}
