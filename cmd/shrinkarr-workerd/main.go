// Package main is the entry point for the shrinkarr worker daemon.
package main

import (
	"os"

	"github.com/shrinkarr/shrinkarr/cmd/shrinkarr-workerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
