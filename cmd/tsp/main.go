// Package main is the entry point for the tsp transport stream processor.
package main

import (
	"os"

	"github.com/gotsp/tsproc/cmd/tsp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
