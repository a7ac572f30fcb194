package main

import (
	"os"

	"dmls/cmd/dmls/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
