// Command layer is a thin harness that a real injector would embed: it
// dials a running steal agent, wires the layer-side steal handler
// (pkg/layer) to the wire protocol connection, and issues the port
// subscriptions given on the command line.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimbustrap/steal/internal/log"
	"github.com/nimbustrap/steal/internal/wire"
	"github.com/nimbustrap/steal/pkg/layer"
)

func main() {
	var agentAddr string
	var targetHost string
	var steals []string

	cmd := &cobra.Command{
		Use:   "layer",
		Short: "Connect to a steal agent and relay stolen traffic to a local application",
		RunE: func(cmd *cobra.Command, _ []string) error {
			subs, err := parseSteals(steals)
			if err != nil {
				return err
			}

			return run(cmd.Context(), agentAddr, targetHost, subs)
		},
	}

	cmd.Flags().StringVar(&agentAddr, "agent-addr", "127.0.0.1:7777", "address of the steal agent's control listener")
	cmd.Flags().StringVar(&targetHost, "target-host", layer.DefaultTargetHost, "host the local application listens on")
	cmd.Flags().StringArrayVar(&steals, "steal", nil, "port or port=filter to subscribe to on startup, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseSteals turns "80" / "80=^/api/" flag values into wire.PortSteal
// subscriptions.
func parseSteals(raw []string) ([]wire.PortSteal, error) {
	subs := make([]wire.PortSteal, 0, len(raw))

	for _, r := range raw {
		portStr, filter, _ := strings.Cut(r, "=")

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --steal value %q: %w", r, err)
		}

		subs = append(subs, wire.PortSteal{Port: wire.Port(port), Filter: filter})
	}

	return subs, nil
}

func run(ctx context.Context, agentAddr, targetHost string, subs []wire.PortSteal) error {
	logger := log.WithComponent("layer")

	conn, err := net.Dial("tcp", agentAddr)
	if err != nil {
		return fmt.Errorf("dialing steal agent at %s: %w", agentAddr, err)
	}
	defer conn.Close()

	daemonStream := wire.NewDaemonStream(conn)
	layerStream := wire.NewLayerStream(conn)

	h := layer.NewHandler(targetHost)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- h.Run(ctx) }()

	go func() {
		for {
			msg, err := daemonStream.Recv()
			if err != nil {
				cancel()
				return
			}

			select {
			case h.Inbound() <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-h.Results():
				if res.Err != "" {
					logger.Warn().Uint16("port", res.Port).Str("error", res.Err).Msg("subscribe rejected")
				} else {
					logger.Info().Uint16("port", res.Port).Msg("subscribed")
				}
			}
		}
	}()

	for _, sub := range subs {
		if err := layerStream.Send(wire.PortSubscribe{Steal: sub}); err != nil {
			return fmt.Errorf("sending initial subscription for port %d: %w", sub.Port, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return <-runErrCh
		case msg := <-h.Outbound():
			if err := layerStream.Send(msg); err != nil {
				logger.Debug().Err(err).Msg("agent connection ended")
				cancel()
				return <-runErrCh
			}
		}
	}
}
