// =============================================================================
// File: pkg/xfer/channels.go
// Data-plane channel setup for one connection, over either native UDP
// sockets or WebSocket-tunneled connections (C14). Both sides bind/dial
// the same [channel_base_port, channel_base_port+num_channels) range
// (§4.10) regardless of which end of the connection is sending, so either
// peer can also become a receiver for a later message on the same
// connection.
// =============================================================================
package xfer

import (
	"fmt"
	"net"
	"net/http"

	"github.com/relaywire/relaywire/internal/backend"
	"github.com/relaywire/relaywire/internal/config"
)

func setupChannels(cfg *config.Config, remoteIP string, isServer bool) ([]backend.Channel, []*http.Server, error) {
	switch cfg.ChannelTransport {
	case "websocket":
		return setupWSChannels(cfg, remoteIP, isServer)
	default:
		return setupUDPChannels(cfg)
	}
}

func setupUDPChannels(cfg *config.Config) ([]backend.Channel, []*http.Server, error) {
	channels := make([]backend.Channel, cfg.NumChannels)
	for i := 0; i < cfg.NumChannels; i++ {
		port := cfg.ChannelBasePort + i
		ch, err := backend.NewUDPChannel("0.0.0.0", port)
		if err != nil {
			closeChannels(channels[:i])
			return nil, nil, fmt.Errorf("xfer: bind udp channel %d on port %d: %w", i, port, err)
		}
		channels[i] = ch
	}
	return channels, nil, nil
}

// setupWSChannels binds one HTTP upgrade server per channel on the
// listening side, or dials each of them from the connecting side. The
// listening side blocks until its peer has connected every channel,
// mirroring how a UDP channel is usable the instant it's bound.
func setupWSChannels(cfg *config.Config, remoteIP string, isServer bool) ([]backend.Channel, []*http.Server, error) {
	channels := make([]backend.Channel, cfg.NumChannels)

	if !isServer {
		for i := 0; i < cfg.NumChannels; i++ {
			port := cfg.ChannelBasePort + i
			url := fmt.Sprintf("ws://%s/channel", net.JoinHostPort(remoteIP, fmt.Sprintf("%d", port)))
			ch, err := backend.DialWSChannel(url, port)
			if err != nil {
				closeChannels(channels[:i])
				return nil, nil, fmt.Errorf("xfer: dial websocket channel %d at %s: %w", i, url, err)
			}
			channels[i] = ch
		}
		return channels, nil, nil
	}

	servers := make([]*http.Server, 0, cfg.NumChannels)
	for i := 0; i < cfg.NumChannels; i++ {
		port := cfg.ChannelBasePort + i
		accepted := make(chan backend.Channel, 1)

		mux := http.NewServeMux()
		mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
			ch, err := backend.UpgradeWSChannel(w, r, port)
			if err != nil {
				return
			}
			accepted <- ch
		})

		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		servers = append(servers, srv)
		go func() { _ = srv.ListenAndServe() }()

		channels[i] = <-accepted
	}
	return channels, servers, nil
}

func closeChannels(channels []backend.Channel) {
	for _, ch := range channels {
		if ch != nil {
			_ = ch.Close()
		}
	}
}
