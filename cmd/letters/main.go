package main

import (
	"os"

	"github.com/spf13/cobra"
)

// The letters CLI is the client surface over the opaque encryption boundary
// (§6.3): keygen, encrypt, submit, fetch, decrypt. Its one-builder-function-
// per-subcommand shape is grounded on the teacher's cmd/synnergy/main.go.
func main() {
	rootCmd := &cobra.Command{Use: "letters"}
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(decryptCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
