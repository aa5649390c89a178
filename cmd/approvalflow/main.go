package main

import (
	"os"

	"github.com/RealZimboGuy/approvalflow/cmd/approvalflow/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
