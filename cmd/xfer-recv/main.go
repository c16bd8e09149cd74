// cmd/xfer-recv/main.go
// Receiving-side entry point: binds a control-plane listener and posts one
// receive buffer per accepted connection, printing progress the way the
// teacher's client entry point prints its stats loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/pkg/xfer"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	listenAddr := flag.String("listen", "", "control-plane listen address (host:port)")
	configFile := flag.String("config", "", "configuration file path (YAML)")
	outFile := flag.String("out", "", "path to write the receive buffer (all -buf bytes, message first; not trimmed to the message length)")
	bufSize := flag.Int("buf", 64<<20, "receive buffer size in bytes")
	logLevel := flag.String("log", "", "log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xfer-recv %s (%s)\n", Version, BuildTime)
		fmt.Printf("Go: %s, %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Printf("[ERROR] loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr == "" {
		*listenAddr = fmt.Sprintf("0.0.0.0:%d", cfg.ChannelBasePort-1)
	}

	printBanner(cfg, *listenAddr)

	x, err := xfer.New(cfg, nil)
	if err != nil {
		fmt.Printf("[ERROR] context init failed: %v\n", err)
		os.Exit(1)
	}
	defer x.Close()

	ln, err := x.Listen(*listenAddr)
	if err != nil {
		fmt.Printf("[ERROR] listen failed: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n[INFO] shutting down")
		cancel()
	}()

	fmt.Printf("[INFO] listening on %s\n", ln.Addr())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("[ERROR] accept failed: %v\n", err)
			continue
		}
		go serveConnection(ctx, conn, *bufSize, *outFile)
	}
}

func serveConnection(ctx context.Context, conn *xfer.Connection, bufSize int, outFile string) {
	defer conn.Close()
	fmt.Printf("[INFO] connection %d accepted\n", conn.ConnectionID())

	for {
		buf := make([]byte, bufSize)
		handle, err := conn.RecvPost(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("[ERROR] recv_post failed on connection %d: %v\n", conn.ConnectionID(), err)
			return
		}

		start := time.Now()
		if err := handle.Wait(ctx); err != nil {
			fmt.Printf("[ERROR] recv did not complete: %v\n", err)
			return
		}
		fmt.Printf("[STATS] connection %d: message received in %s, status=%s\n",
			conn.ConnectionID(), time.Since(start).Round(time.Millisecond), handle.Complete())

		if outFile != "" {
			if err := os.WriteFile(outFile, buf, 0o644); err != nil {
				fmt.Printf("[ERROR] writing %s: %v\n", outFile, err)
			}
		}
	}
}

func printBanner(cfg *config.Config, listenAddr string) {
	fmt.Println()
	fmt.Println("relaywire receiver")
	fmt.Printf("  control listen: %s\n", listenAddr)
	fmt.Printf("  channels:       %d starting at port %d (%s)\n", cfg.NumChannels, cfg.ChannelBasePort, cfg.ChannelTransport)
	if cfg.UsesErasureCoding() {
		fmt.Printf("  reliability:    erasure coding (k=%d, m=%d)\n", cfg.ECKData, cfg.ECMParity)
	} else {
		fmt.Println("  reliability:    selective repeat")
	}
	fmt.Println()
}
