// ABOUTME: Entry point for the crossp2p controller
// ABOUTME: Runs the command tree and maps errors to the exit status
package main

import (
	"fmt"
	"os"

	"github.com/upasthiti/crossp2p-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
