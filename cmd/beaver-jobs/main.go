package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-jobs/internal/cli"
)

var (
	version = "dev" // injected with -ldflags "-X main.version=..."
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "dev" {
		cli.Version = version
	}
	cli.Execute()
}
