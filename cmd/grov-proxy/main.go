// Command grov-proxy runs the intercepting proxy as a standalone process.
package main

import (
	"fmt"
	"os"

	"github.com/grovhq/grov-proxy/cmd/grov-proxy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
