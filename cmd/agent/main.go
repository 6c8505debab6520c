// Command agent runs inside the target pod: it installs the iptables
// redirect for stolen ports on demand and serves the control connections
// opened by connected layers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nimbustrap/steal/cmd/agent/commands"
	"github.com/nimbustrap/steal/internal/runtime"
)

func main() {
	env := runtime.DefaultEnvironment()

	rootCmd := commands.BuildRootCmd(env, commands.BuildStealCmd(env), commands.BuildCleanupCmd(env))

	if err := rootCmd.Do(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
