package main

import (
	"os"

	"github.com/piera23/PieraChat/cmd/chatctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
