package main

import (
	"os"

	"busgrid.ai/cmd/busgrid/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
