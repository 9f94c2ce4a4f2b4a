package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piera23/PieraChat/internal/history"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the local message archive",
	}
	cmd.AddCommand(historyShowCmd(), historyExportCmd(), historyClearCmd(), historyContactsCmd())
	return cmd
}

func withStore(fn func(*history.Store) error) error {
	store, err := history.Open(historyPath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func historyShowCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print archived messages, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *history.Store) error {
				msgs, err := store.Load(limit)
				if err != nil {
					return err
				}
				for _, msg := range msgs {
					marker := " "
					if msg.IsOwn {
						marker = ">"
					}
					fmt.Printf("%s [%s] %s: %s\n",
						marker, msg.Timestamp.Local().Format("2006-01-02 15:04:05"),
						msg.Username, msg.Body)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "max messages to show (0 for all)")
	return cmd
}

func historyExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the archive as a JSON export envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *history.Store) error {
				export, err := store.DumpExport()
				if err != nil {
					return err
				}
				raw, err := json.MarshalIndent(export, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(raw))
					return nil
				}
				if err := os.WriteFile(out, raw, 0o600); err != nil {
					return err
				}
				fmt.Printf("Exported %d messages to %s\n", export.MessageCount, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func historyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every archived message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *history.Store) error {
				if err := store.Clear(); err != nil {
					return err
				}
				fmt.Println("History cleared.")
				return nil
			})
		},
	}
}

func historyContactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List recently seen peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *history.Store) error {
				contacts, err := store.Contacts()
				if err != nil {
					return err
				}
				for _, contact := range contacts {
					fmt.Printf("%s\tlast seen %s\n",
						contact.Username, contact.LastSeen.Local().Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}
