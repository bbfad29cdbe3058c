package main

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopmesh/internal/ebus"
	"github.com/petervdpas/goopmesh/internal/mux"
	"github.com/petervdpas/goopmesh/internal/xconfig"
	"github.com/petervdpas/goopmesh/internal/xlog"
	"github.com/spf13/cobra"
)

func newDialCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Join an existing bus as a child over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := xconfig.Ensure(configPath)
			if err != nil {
				return err
			}
			log := xlog.New()
			busID := cfg.Identity.BusID
			if busID == "" {
				busID = "dialer"
			}
			bus := ebus.New(busID, xlog.Named(log, "ebus"))

			conn, _, err := websocket.DefaultDialer.Dial(target, nil)
			if err != nil {
				return err
			}
			link := mux.NewWSLink(conn)
			m := mux.New(link, mux.Config{
				SendWindow:        cfg.Mux.SendWindow,
				HeartbeatInterval: cfg.Mux.HeartbeatInterval,
				HeartbeatTimeout:  cfg.Mux.HeartbeatTimeout,
			}, true, xlog.Named(log, "mux"))

			_, edge := wireParent(bus, m, xlog.Named(log, "erpc"))
			dropped := make(chan error, 1)
			m.OnClose(func(err error) {
				select {
				case dropped <- err:
				default:
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), cfg.EBus.HandshakeDeadline)
			defer cancel()
			if err := bus.Handshake(ctx, edge); err != nil {
				return err
			}
			log.Infow("goopmesh: joined bus", "busId", busID, "target", target)

			return <-dropped // block until the connection drops; Ctrl-C ends the process directly
		},
	}

	cmd.Flags().StringVar(&target, "target", "ws://127.0.0.1:7070/mux", "parent bus WebSocket URL")
	return cmd
}
