package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopmesh/internal/ebus"
	"github.com/petervdpas/goopmesh/internal/mux"
	"github.com/petervdpas/goopmesh/internal/xconfig"
	"github.com/petervdpas/goopmesh/internal/xlog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host a bus and accept inbound child connections over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := xconfig.Ensure(configPath)
			if err != nil {
				return err
			}
			log := xlog.New()
			busID := cfg.Identity.BusID
			if busID == "" {
				busID = "root"
			}
			bus := ebus.New(busID, xlog.Named(log, "ebus"))

			upgrader := websocket.Upgrader{
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
				CheckOrigin:     func(r *http.Request) bool { return true },
			}
			http.HandleFunc("/mux", func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					log.Warnw("goopmesh: websocket upgrade failed", "err", err)
					return
				}
				link := mux.NewWSLink(conn)
				m := mux.New(link, mux.Config{
					SendWindow:        cfg.Mux.SendWindow,
					HeartbeatInterval: cfg.Mux.HeartbeatInterval,
					HeartbeatTimeout:  cfg.Mux.HeartbeatTimeout,
				}, false, xlog.Named(log, "mux"))

				label := r.RemoteAddr
				wireChild(bus, m, label, xlog.Named(log, "erpc"))
				log.Infow("goopmesh: accepted child connection", "remote", r.RemoteAddr, "busId", busID)
			})

			log.Infow("goopmesh: serving", "busId", busID, "listen", listen)
			return http.ListenAndServe(listen, nil)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":7070", "address to listen on")
	return cmd
}
