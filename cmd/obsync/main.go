package main

import (
	"os"

	"github.com/jra3/obsync/cmd/obsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
