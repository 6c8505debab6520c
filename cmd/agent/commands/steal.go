package commands

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbustrap/steal/internal/iptables"
	"github.com/nimbustrap/steal/internal/log"
	"github.com/nimbustrap/steal/internal/runtime"
	"github.com/nimbustrap/steal/internal/stealer"
	"github.com/nimbustrap/steal/internal/wire"
)

// BuildStealCmd returns the "steal" subcommand: it starts the stealer
// worker against an iptables guard and accepts layer connections on
// controlAddr, fanning each one out to a dedicated client handle.
func BuildStealCmd(env runtime.Environment) *cobra.Command {
	var controlAddr string
	var localAddr string

	cmd := &cobra.Command{
		Use:   "steal",
		Short: "Accept layer connections and steal the TCP traffic they subscribe to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSteal(cmd.Context(), env, controlAddr, localAddr)
		},
	}

	cmd.Flags().StringVar(&controlAddr, "control-addr", ":7777", "address to accept layer connections on")
	cmd.Flags().StringVar(&localAddr, "local-addr", "", "local address http clients dial unmatched requests from")

	return cmd
}

func runSteal(ctx context.Context, env runtime.Environment, controlAddr, localAddr string) error {
	logger := log.WithComponent("agent")

	stealLn, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("opening redirect target listener: %w", err)
	}

	guard := iptables.NewGuard(iptables.New(env.Executor()))
	worker := stealer.NewStealerWorker(stealLn, guard, localAddr)

	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- worker.Run(ctx) }()

	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("opening control listener on %s: %w", controlAddr, err)
	}
	defer controlLn.Close()

	go func() {
		<-ctx.Done()
		_ = controlLn.Close()
	}()

	var nextClientID wire.ClientId

	for {
		conn, err := controlLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return <-workerErrCh
			default:
				return fmt.Errorf("accepting layer connection: %w", err)
			}
		}

		nextClientID++
		go serveLayerConnection(ctx, worker, nextClientID, conn, logger)
	}
}

// serveLayerConnection pumps wire messages between a single layer
// connection and the worker's command/fanout channels, registering and
// tearing down a ClientHandle for the lifetime of the connection.
func serveLayerConnection(ctx context.Context, worker *stealer.StealerWorker, clientID wire.ClientId, conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()

	logger = log.WithClient(logger, clientID)

	handle := stealer.NewClientHandle(clientID, worker.Commands(), 64)
	defer handle.Close()

	daemonStream := wire.NewDaemonStream(conn)
	layerStream := wire.NewLayerStream(conn)

	readErrCh := make(chan struct{})
	go func() {
		defer close(readErrCh)

		for {
			msg, err := layerStream.Recv()
			if err != nil {
				return
			}

			switch m := msg.(type) {
			case wire.PortSubscribe:
				handle.PortSubscribe(m.Steal)
			case wire.PortUnsubscribe:
				handle.PortUnsubscribe(m.Port)
			case wire.ConnectionUnsubscribe:
				handle.ConnectionUnsubscribe(m.ConnectionID)
			case wire.TcpData:
				handle.ResponseData(m)
			case wire.HttpResponse:
				handle.HttpResponse(m)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-readErrCh:
			return

		case msg := <-handle.Messages():
			if err := daemonStream.Send(msg); err != nil {
				logger.Debug().Err(err).Msg("layer connection ended")
				return
			}
		}
	}
}
