// Command mcp is the MCP stdio entry point agents launch directly. It is
// equivalent to "harness-mem mcp".
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Chachamaru127/harness-mem/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version)
	root.SetArgs(append([]string{"mcp"}, os.Args[1:]...))
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server error: %s\n", err)
		os.Exit(1)
	}
}
