// Package main is the entry point for the dss application.
package main

import (
	"os"

	"github.com/cetrio/dss/cmd/dss/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
