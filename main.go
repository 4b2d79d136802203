package main

import (
	"os"

	"persistd/pkg/cli"
)

// Version injected in Makefile.
var Version string

func main() {
	cmd := cli.NewRootCommand()
	if Version != "" {
		cmd.Version = Version
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
