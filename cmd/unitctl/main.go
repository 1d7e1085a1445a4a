// Package main is the entry point for the unitctl binary.
package main

import (
	"os"

	"github.com/axondata/go-unitmgr/cmd/unitctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
