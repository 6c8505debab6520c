// Package commands implements the agent's cobra command tree.
package commands

import (
	"context"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbustrap/steal/internal/runtime"
)

// RootCommand maintains the state required for executing an agent command,
// mirroring the process-lifecycle shape of the teacher's own root command:
// acquire the single-instance lock, wire up signal handling, run the cobra
// tree in a goroutine, and race it against cancellation and signals.
type RootCommand struct {
	env runtime.Environment
	cmd *cobra.Command
}

// BuildRootCmd builds the root command, registering subcommands and binding
// them to env.Args().
func BuildRootCmd(env runtime.Environment, subcommands ...*cobra.Command) *RootCommand {
	rootCmd := &cobra.Command{
		Use:           "steal-agent",
		Short:         "Steal TCP traffic bound for this pod",
		Long:          "Runs inside a target pod, redirecting stolen TCP traffic to connected layers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetArgs(env.Args()[1:])

	for _, sc := range subcommands {
		rootCmd.AddCommand(sc)
	}

	return &RootCommand{env: env, cmd: rootCmd}
}

// Do executes the root command, enforcing the single-instance lock and
// racing cobra's execution against context cancellation and OS signals.
func (r *RootCommand) Do(ctx context.Context) error {
	sc := r.env.Signal().Notify(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer r.env.Signal().Reset()

	acquired, err := r.env.Lock().Acquire()
	if err != nil {
		return fmt.Errorf("could not acquire process lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another instance of the agent is already running")
	}
	defer func() {
		_ = r.env.Lock().Release()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.cmd.SetContext(ctx)

	cc := make(chan error, 1)
	go func() {
		cc <- r.cmd.Execute()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-cc:
		return err
	case s := <-sc:
		// Cancel the running command and wait for it to return, so its own
		// shutdown path (the stealer worker releasing its iptables guard)
		// completes before the process exits.
		cancel()
		<-cc
		return fmt.Errorf("received signal %q", s)
	}
}
