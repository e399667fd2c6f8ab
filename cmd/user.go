package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/auth"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User account commands",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create a user account",
	Long: `Create a user account. Each account gets its own gallery, encoding
cache and confirmation history.

The password is read from --password, or from the first line of stdin.

Examples:
  facegallery user register alice --password 's3cret!'
  echo 's3cret!' | facegallery user register alice`,
	Args: cobra.ExactArgs(1),
	RunE: runUserRegister,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userRegisterCmd)

	userRegisterCmd.Flags().String("password", "", "Password for the new account")
}

func readPassword(cmd *cobra.Command) (string, error) {
	if pw := mustGetString(cmd, "password"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runUserRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := auth.NewService(db)
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}
	acc, err := svc.Register(ctx, args[0], password)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}

	fmt.Printf("Created user %s (id %s)\n", acc.Username, acc.ID)
	return nil
}
