package main

import (
	"os"

	"github.com/taskerino/taskerino/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
