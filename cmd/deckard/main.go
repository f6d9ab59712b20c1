// Package main is the entry point for the deckard CLI.
package main

import (
	"os"

	"github.com/deckard-mcp/deckard/cmd/deckard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
