package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"evalgo.org/katprep/internal/credentials"
)

var (
	authContainer string
	authUsername  string
	authPassword  string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the encrypted credential container",
	Long: `Manage backend credentials stored in an encrypted container file.

Credentials are looked up by backend address. Passwords are encrypted with a
key derived from the container password, which is read from the
KATPREP_CREDENTIALS_PASSWORD environment variable or prompted for.

Examples:
  katprep auth add foreman.example.com --username admin --container ~/.katprep/auth.yml
  katprep auth list --container ~/.katprep/auth.yml
  katprep auth remove vc1.example.com --container ~/.katprep/auth.yml`,
}

var addAuthCmd = &cobra.Command{
	Use:   "add ADDRESS",
	Short: "Add or replace credentials for a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddAuth,
}

var removeAuthCmd = &cobra.Command{
	Use:   "remove ADDRESS",
	Short: "Remove credentials for a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoveAuth,
}

var listAuthCmd = &cobra.Command{
	Use:   "list",
	Short: "List backends with stored credentials",
	Args:  cobra.NoArgs,
	RunE:  runListAuth,
}

func init() {
	authCmd.PersistentFlags().StringVar(&authContainer, "container", "", "credential container file (default: from config)")

	addAuthCmd.Flags().StringVar(&authUsername, "username", "", "backend username (prompted when empty)")
	addAuthCmd.Flags().StringVar(&authPassword, "password", "", "backend password (prompted when empty)")

	authCmd.AddCommand(addAuthCmd)
	authCmd.AddCommand(removeAuthCmd)
	authCmd.AddCommand(listAuthCmd)
}

func containerPath() (string, error) {
	path := authContainer
	if path == "" && cfg != nil {
		path = cfg.Credentials.Container
	}
	if path == "" {
		return "", errors.New("no credential container given (use --container or credentials.container)")
	}
	return path, nil
}

// openOrCreateContainer opens the container at path, creating an empty one
// when create is set and the file does not exist yet.
func openOrCreateContainer(path string, create bool) (*credentials.Container, error) {
	password, err := containerPassword(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, fmt.Errorf("credential container %s does not exist", path)
		}
		return credentials.NewContainer(password)
	}
	return credentials.OpenContainer(path, password)
}

func runAddAuth(cmd *cobra.Command, args []string) error {
	path, err := containerPath()
	if err != nil {
		return err
	}
	container, err := openOrCreateContainer(path, true)
	if err != nil {
		return err
	}

	username := authUsername
	if username == "" {
		fmt.Fprintf(os.Stderr, "Username for %s: ", args[0])
		if _, err := fmt.Fscanln(os.Stdin, &username); err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}
	password := authPassword
	if password == "" {
		password, err = credentials.ReadPassword(os.Stdin, os.Stderr, fmt.Sprintf("Password for %s: ", args[0]))
		if err != nil {
			return err
		}
	}

	cred := credentials.Credential{Username: strings.TrimSpace(username), Password: password}
	if err := container.Set(args[0], cred); err != nil {
		return err
	}
	if err := container.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored credentials for %s\n", args[0])
	return nil
}

func runRemoveAuth(cmd *cobra.Command, args []string) error {
	path, err := containerPath()
	if err != nil {
		return err
	}
	container, err := openOrCreateContainer(path, false)
	if err != nil {
		return err
	}

	if !container.Remove(args[0]) {
		return fmt.Errorf("no credentials stored for %s", args[0])
	}
	if err := container.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed credentials for %s\n", args[0])
	return nil
}

func runListAuth(cmd *cobra.Command, args []string) error {
	path, err := containerPath()
	if err != nil {
		return err
	}
	container, err := openOrCreateContainer(path, false)
	if err != nil {
		return err
	}

	for _, address := range container.Addresses() {
		cred, _, err := container.Get(address)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", address, cred.Username)
	}
	return nil
}
