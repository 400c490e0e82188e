// Package main is the entry point for the tsmux multi-input multiplexer.
package main

import (
	"os"

	"github.com/gotsp/tsproc/cmd/tsmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
