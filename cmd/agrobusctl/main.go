package main

import (
	"os"

	"github.com/robolibs/agrobus/cmd/agrobusctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
