package main

import (
	"fmt"
	"os"

	"github.com/nanocurrency/nanod/cmd/nanod/commands"
)

func main() {
	if err := commands.RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
