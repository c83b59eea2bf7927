package main

import (
	"os"

	"github.com/BDNK1/reflow/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
