package main

import (
	"os"

	"e2ee-gateway/cmd/e2eectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
