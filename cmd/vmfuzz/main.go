package main

import (
	"os"

	"github.com/covertrace/vmfuzz/cmd/vmfuzz/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
