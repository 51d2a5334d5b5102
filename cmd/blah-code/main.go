// Command blah-code is the daemon's entrypoint: a thin cobra CLI wiring
// config, logging, the session store, tool runtime, MCP client, model
// transport, and the daemon together, mirroring the teacher's
// cmd/opencode-server/main.go and cmd/opencode cobra layout.
package main

import (
	"fmt"
	"os"

	"github.com/blah-code/blah-code/cmd/blah-code/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
