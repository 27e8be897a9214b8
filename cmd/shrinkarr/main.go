// Package main is the entry point for the shrinkarr coordinator.
package main

import (
	"os"

	"github.com/shrinkarr/shrinkarr/cmd/shrinkarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
