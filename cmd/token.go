package main

import (
	"fmt"

	"github.com/parsec-cloud/go-parsec-server/util"
	"github.com/spf13/cobra"
)

var tokenLength int

func init() {
	tokenCmd.Flags().IntVarP(&tokenLength, "length", "l", 32, "token length in random bytes")
	rootCmd.AddCommand(tokenCmd)
}

// tokenCmd generates a random hex token, usable as the administration
// token in the server configuration or as an organization bootstrap token.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a random token",
	Long:  "Generate a random hex token for the administration API or organization bootstrap",
	Run: func(cmd *cobra.Command, args []string) {
		token, err := util.GenerateToken(tokenLength)
		check(err)
		fmt.Printf("%s\n", token)
	},
}
