package main

import (
	"os"

	"github.com/trialmatch/trialmatch/cmd/trialmatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
