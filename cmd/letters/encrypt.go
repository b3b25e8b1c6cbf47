package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"letters-overlay/core"
)

func encryptCmd() *cobra.Command {
	var recipientHex, message string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "encrypt a message for a recipient's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			pubBytes, err := hex.DecodeString(recipientHex)
			if err != nil || len(pubBytes) != 32 {
				return fmt.Errorf("--recipient must be a 32-byte hex public key")
			}
			var recipientPub [32]byte
			copy(recipientPub[:], pubBytes)

			envelope, err := core.EncryptLetter(recipientPub, []byte(message))
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(envelope))
			return nil
		},
	}
	cmd.Flags().StringVar(&recipientHex, "recipient", "", "recipient's public key, hex-encoded")
	cmd.Flags().StringVar(&message, "message", "", "plaintext message to encrypt")
	cmd.MarkFlagRequired("recipient")
	cmd.MarkFlagRequired("message")
	return cmd
}
