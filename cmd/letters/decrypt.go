package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"letters-overlay/core"
)

func decryptCmd() *cobra.Command {
	var identityPath, envelopeHex string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "decrypt an envelope printed by `letters fetch`",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := loadIdentity(identityPath)
			if err != nil {
				return err
			}
			envelope, err := hex.DecodeString(envelopeHex)
			if err != nil {
				return fmt.Errorf("--envelope must be hex-encoded")
			}
			plaintext, err := core.DecryptLetter(priv, pub, envelope)
			if err != nil {
				return fmt.Errorf("decrypt: %w", err)
			}
			fmt.Println(string(plaintext))
			return nil
		},
	}
	cmd.Flags().StringVar(&identityPath, "identity", "identity.json", "path to this client's identity file")
	cmd.Flags().StringVar(&envelopeHex, "envelope", "", "hex-encoded envelope from `letters fetch`")
	cmd.MarkFlagRequired("envelope")
	return cmd
}
