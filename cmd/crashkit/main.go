package main

import (
	"os"

	"github.com/go-crashkit/crashkit/cmd/crashkit/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
