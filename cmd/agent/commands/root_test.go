package commands

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbustrap/steal/internal/runtime"
)

// buildNoopCmd returns a cobra.Command that returns after the given delay.
func buildNoopCmd() *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use: "noop",
		RunE: func(cmd *cobra.Command, args []string) error {
			time.Sleep(delay)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&delay, "delay", "d", 0, "delay before returning")
	return cmd
}

func Test_CancelContext(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title string
		args  []string
		err   error
	}{
		{
			title: "Command is not canceled",
			args:  []string{"steal-agent", "noop", "-d", "0s"},
			err:   nil,
		},
		{
			title: "Command is canceled",
			args:  []string{"steal-agent", "noop", "-d", "5s"},
			err:   context.Canceled,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.title, func(t *testing.T) {
			t.Parallel()
			env := runtime.NewFakeEnvironment(tc.args)

			rootCmd := BuildRootCmd(env, buildNoopCmd())

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(1 * time.Second)
				cancel()
			}()

			err := rootCmd.Do(ctx)
			if !errors.Is(err, tc.err) {
				t.Errorf("expected %v got %v", tc.err, err)
			}
		})
	}
}

func Test_Signals(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title     string
		signal    os.Signal
		expectErr bool
	}{
		{
			title:     "Command is canceled with interrupt",
			signal:    os.Interrupt,
			expectErr: true,
		},
		{
			title:     "Command is not canceled without a signal",
			signal:    nil,
			expectErr: false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.title, func(t *testing.T) {
			t.Parallel()
			env := runtime.NewFakeEnvironment([]string{"steal-agent", "noop", "-d", "1s"})

			rootCmd := BuildRootCmd(env, buildNoopCmd())

			go func() {
				time.Sleep(10 * time.Millisecond)
				if tc.signal != nil {
					env.FakeSignal.Send(tc.signal)
				}
			}()

			err := rootCmd.Do(context.Background())
			if tc.expectErr && err == nil {
				t.Errorf("should had failed")
				return
			}

			if !tc.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
		})
	}
}
