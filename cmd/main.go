package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func check(e error) {
	if e != nil {
		fmt.Printf("%v\n", e.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "parsec",
	Short:   "Parsec server is a zero-trust coordination service for end-to-end encrypted file storage",
	Long:    `Parsec server is a zero-trust coordination service for end-to-end encrypted file storage. It orders certificates, stores encrypted vlobs and blocks, and mediates device enrollment without ever seeing a key in clear.`,
	Version: "0.1.0",
	Run: func(cmd *cobra.Command, args []string) {
		// empty
	},
}

func main() {
	Execute()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
