package main

import (
	"os"

	"github.com/covenant-labs/covenant/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
