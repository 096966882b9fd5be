// tidemark is a relay for signed, content-addressed events.
package main

import (
	"fmt"
	"os"

	"github.com/tidemark-net/tidemark/cmd"
	"github.com/tidemark-net/tidemark/cmd/node"
)

var version string

func main() {
	cmd.Version = version
	if err := node.Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
