package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piera23/PieraChat/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local keypair",
	}
	cmd.AddCommand(identityInitCmd(), identityFingerprintCmd())
	return cmd
}

func identityInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a keypair and store it sealed under the passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			cipher, err := identity.Create(identityPath(), passphrase)
			if err != nil {
				if errors.Is(err, identity.ErrExists) {
					return fmt.Errorf("identity already exists at %s", identityPath())
				}
				return err
			}
			defer cipher.Close()

			fmt.Printf("Identity created at %s\n", identityPath())
			fmt.Printf("Fingerprint: %s\n", identity.Fingerprint(cipher.PublicKeyBytes()))
			return nil
		},
	}
}

func identityFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the public key fingerprint for out-of-band comparison",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			cipher, err := identity.Load(identityPath(), passphrase)
			if err != nil {
				return err
			}
			defer cipher.Close()

			fmt.Printf("Fingerprint: %s\n", identity.Fingerprint(cipher.PublicKeyBytes()))
			fmt.Printf("Public key:  %s\n", cipher.PublicKey())
			return nil
		},
	}
}
