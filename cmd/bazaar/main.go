package main

import (
	"os"

	"bazaar/cmd/bazaar/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
