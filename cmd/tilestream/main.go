// Package main is the entry point for the tilestream application.
package main

import (
	"os"

	"github.com/zsiec/tilestream/cmd/tilestream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
