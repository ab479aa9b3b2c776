// Package main provides the entry point for the amandb CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/amandb/cmd/amandb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
