package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/parsec-cloud/go-parsec-server/util"
	"github.com/spf13/cobra"
)

var outputFile string

func init() {
	keysCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	rootCmd.AddCommand(keysCmd)
}

// keysCmd generates an ed25519 root keypair for a new organization. The
// verify key goes into the bootstrap certificate, the signing key stays
// with whoever bootstraps the organization.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate ed25519 root keys",
	Long:  "Generate an ed25519 root signing/verify keypair for bootstrapping an organization",
	Run: func(cmd *cobra.Command, args []string) {
		verifyKey, signingKey, err := util.GenerateSigningKeyPair()
		check(err)
		keysJson := map[string]interface{}{
			"type":       "parsec_root_keys_ed25519",
			"signingKey": base64.StdEncoding.EncodeToString(signingKey),
			"verifyKey":  base64.StdEncoding.EncodeToString(verifyKey),
			"created":    time.Now().UnixMilli(),
		}
		fileBytes, err := json.MarshalIndent(keysJson, "", "  ")
		check(err)
		if outputFile != "" {
			// fail if file already exists
			if _, err := os.Stat(outputFile); !errors.Is(err, os.ErrNotExist) {
				fmt.Printf("File already exists: %s\n", outputFile)
				os.Exit(1)
			}
			err = os.WriteFile(outputFile, fileBytes, 0600)
			check(err)
			fmt.Printf("Output file: %s\n", outputFile)
		} else {
			fmt.Printf("\n%s\n", string(fileBytes))
		}
	},
}
