package main

import (
	"os"

	"github.com/depsync/depsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
