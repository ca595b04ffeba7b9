package main

import (
	"os"

	"github.com/wonny/quantcore/cmd/quant/commands"
)

// main is the entry point for the quantcore CLI
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
