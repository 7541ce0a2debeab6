// Command hcsagent runs the HCS-10 connection and rebalance agent.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/hcsagent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
