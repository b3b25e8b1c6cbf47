package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"letters-overlay/core"
)

func submitCmd() *cobra.Command {
	var relayURL, recipientHex, envelopeHex string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit an encrypted envelope to a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			pubBytes, err := hex.DecodeString(recipientHex)
			if err != nil || len(pubBytes) != 32 {
				return fmt.Errorf("--recipient must be a 32-byte hex public key")
			}
			var recipientPub [32]byte
			copy(recipientPub[:], pubBytes)
			fingerprint := core.Fingerprint(recipientPub)

			envelope, err := hex.DecodeString(envelopeHex)
			if err != nil {
				return fmt.Errorf("--envelope must be hex-encoded")
			}

			body, err := json.Marshal(map[string]any{
				"payload":          json.RawMessage(mustJSONString(envelope)),
				"ownerFingerprint": fingerprint,
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(relayURL+"/api/letters", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]any
			json.NewDecoder(resp.Body).Decode(&out)
			if resp.StatusCode/100 != 2 {
				return fmt.Errorf("relay returned %d: %v", resp.StatusCode, out)
			}
			fmt.Printf("submitted: %+v\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL")
	cmd.Flags().StringVar(&recipientHex, "recipient", "", "recipient's public key, hex-encoded")
	cmd.Flags().StringVar(&envelopeHex, "envelope", "", "hex-encoded envelope from `letters encrypt`")
	cmd.MarkFlagRequired("relay")
	cmd.MarkFlagRequired("recipient")
	cmd.MarkFlagRequired("envelope")
	return cmd
}

// mustJSONString hex-encodes b and quotes it as a JSON string literal so the envelope
// travels as opaque text inside the letters payload field (§6.3).
func mustJSONString(b []byte) []byte {
	out, _ := json.Marshal(hex.EncodeToString(b))
	return out
}
