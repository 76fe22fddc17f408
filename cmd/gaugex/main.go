package main

import (
	"os"

	"github.com/gaugex/gaugex/cmd/gaugex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
