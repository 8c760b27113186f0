package main

import (
	"os"

	"github.com/entl/mcp-pty/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:]))
}
