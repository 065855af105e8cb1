package main

import (
	"os"

	"github.com/robolibs/agrobus/cmd/agrobusd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
