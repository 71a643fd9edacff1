// Package main provides the cwaxe CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/davidthor/cwaxe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
