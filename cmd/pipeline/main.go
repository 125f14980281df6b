// Package main is the entry point for the ingestfab pipeline binary.
package main

import (
	"os"

	"github.com/chanforge/ingestfab/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
