package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"letters-overlay/core"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a client keypair and write an identity file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := core.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := saveIdentity(out, pub, priv); err != nil {
				return err
			}
			fmt.Printf("fingerprint: %s\nidentity written to %s\n", core.Fingerprint(pub), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "identity.json", "path to write the identity file")
	return cmd
}
