package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/piera23/PieraChat/internal/client"
	"github.com/piera23/PieraChat/internal/history"
	"github.com/piera23/PieraChat/internal/identity"
	"github.com/piera23/PieraChat/internal/logging"
)

func connectCmd() *cobra.Command {
	var username string
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join the chat and relay messages from stdin",
		Long: `Join the chat under the given username. Lines read from stdin are
encrypted and sent; incoming messages are decrypted and printed.
Commands: /to <user> <text> for a private message, /who for the roster,
/quit to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("username required (--username)")
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}

			cipher, err := identity.Load(identityPath(), passphrase)
			if err != nil {
				return err
			}
			defer cipher.Close()

			logger, err := logging.NewCLILogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var store *history.Store
			if !noHistory {
				store, err = history.Open(historyPath())
				if err != nil {
					return err
				}
				defer store.Close()
			}

			c, err := client.New(client.Options{
				ServerURL: serverURL,
				Cipher:    cipher,
				History:   store,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c.SetUsername(username)
			go func() {
				_ = c.Run(ctx)
			}()
			go printEvents(ctx, c)

			readInput(ctx, stop, c)
			c.ClearUsername()
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username to join as")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "disable the local message archive")
	return cmd
}

func printEvents(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventMessage:
				fmt.Printf("[%s] %s: %s\n",
					ev.Message.Timestamp.Local().Format("15:04:05"),
					ev.Message.From, ev.Message.Body)
			case client.EventRoster:
				names := make([]string, 0, len(ev.Users))
				for _, u := range ev.Users {
					names = append(names, u.Username)
				}
				fmt.Printf("* online: %s\n", strings.Join(names, ", "))
			case client.EventUserJoined:
				fmt.Printf("* %s joined\n", ev.Username)
			case client.EventUserLeft:
				fmt.Printf("* %s left\n", ev.Username)
			case client.EventTyping:
				fmt.Printf("* %s is typing...\n", ev.Username)
			case client.EventError:
				fmt.Printf("! server: %s\n", ev.Err)
			case client.EventState:
				if ev.State == client.StateConnected {
					fmt.Println("* connected")
				}
			}
		}
	}
}

func readInput(ctx context.Context, stop context.CancelFunc, c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			stop()
			return
		case line == "/who":
			for _, entry := range c.Roster() {
				fmt.Printf("* %s\n", entry.Username)
			}
		case strings.HasPrefix(line, "/to "):
			rest := strings.SplitN(strings.TrimPrefix(line, "/to "), " ", 2)
			if len(rest) != 2 {
				fmt.Println("! usage: /to <user> <text>")
				continue
			}
			if err := c.SendTo(rest[1], []string{rest[0]}); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		default:
			if err := c.Send(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}
}
