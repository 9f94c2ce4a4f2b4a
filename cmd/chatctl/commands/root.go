// Package commands wires the chatctl CLI: identity management, an
// interactive chat session, and local history inspection.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	home       string
	passphrase string
	serverURL  string
	verbose    bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "End-to-end encrypted chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".pierachat")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.pierachat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity file")
	root.PersistentFlags().StringVar(&serverURL, "server", "ws://127.0.0.1:8080/ws", "relay websocket URL")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(identityCmd(), connectCmd(), historyCmd())
	return root.Execute()
}

func identityPath() string {
	return filepath.Join(home, "identity.json")
}

func historyPath() string {
	return filepath.Join(home, "history.db")
}
