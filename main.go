package main

import (
	"os"

	"github.com/coder/balatrollm/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
