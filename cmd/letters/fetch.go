package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"letters-overlay/core"
)

func fetchCmd() *cobra.Command {
	var relayURL, identityPath string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "fetch envelopes addressed to this identity from a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, _, err := loadIdentity(identityPath)
			if err != nil {
				return err
			}
			fingerprint := core.Fingerprint(pub)

			resp, err := http.Get(relayURL + "/api/blocks/full")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out struct {
				Blocks []core.Block `json:"blocks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode blocks: %w", err)
			}

			count := 0
			for _, b := range out.Blocks {
				for _, letter := range b.Letters {
					if letter.OwnerFingerprint != fingerprint {
						continue
					}
					var hexEnvelope string
					if err := json.Unmarshal(letter.Payload, &hexEnvelope); err != nil {
						continue
					}
					fmt.Printf("block %d: %s\n", b.Index, hexEnvelope)
					count++
				}
			}
			if count == 0 {
				fmt.Println("no letters found for this identity")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL")
	cmd.Flags().StringVar(&identityPath, "identity", "identity.json", "path to this client's identity file")
	cmd.MarkFlagRequired("relay")
	return cmd
}
