package main

import (
	"os"

	"github.com/nabil/orka/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
