// Package main is the entry point for jobctl, the command-line client of the
// plugin job server.
package main

import (
	"os"
	"plugin-jobs/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
