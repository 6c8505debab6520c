package commands

import (
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbustrap/steal/internal/runtime"
)

// BuildCleanupCmd returns a cobra command that stops any running steal
// agent by sending it SIGTERM, letting its own shutdown path flush the
// iptables redirect chain.
func BuildCleanupCmd(env runtime.Environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "stops a running steal agent and lets it clean up its iptables rules",
		RunE: func(cmd *cobra.Command, args []string) error { //nolint:revive
			runningProcess := env.Lock().Owner()
			if runningProcess == -1 {
				return nil
			}

			return syscall.Kill(runningProcess, syscall.SIGTERM)
		},
	}

	return cmd
}
