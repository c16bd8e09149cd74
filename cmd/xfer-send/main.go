// cmd/xfer-send/main.go
// Sending-side entry point: dials the control-plane connection, posts one
// file as a message, and reports completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
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
	server := flag.String("server", "", "receiver control-plane address (host:port)")
	inFile := flag.String("in", "", "path to the file to send")
	configFile := flag.String("config", "", "configuration file path (YAML)")
	useEC := flag.Bool("ec", false, "use erasure coding instead of selective repeat")
	logLevel := flag.String("log", "", "log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xfer-send %s (%s)\n", Version, BuildTime)
		fmt.Printf("Go: %s, %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}
	if *server == "" {
		fmt.Println("[ERROR] -server is required")
		flag.Usage()
		os.Exit(1)
	}
	if *inFile == "" {
		fmt.Println("[ERROR] -in is required")
		flag.Usage()
		os.Exit(1)
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

	payload, err := os.ReadFile(*inFile)
	if err != nil {
		fmt.Printf("[ERROR] reading %s: %v\n", *inFile, err)
		os.Exit(1)
	}

	host, port, err := splitHostPort(*server, cfg.ChannelBasePort-1)
	if err != nil {
		fmt.Printf("[ERROR] parsing -server: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg, *server, len(payload))

	x, err := xfer.New(cfg, nil)
	if err != nil {
		fmt.Printf("[ERROR] context init failed: %v\n", err)
		os.Exit(1)
	}
	defer x.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n[INFO] canceled")
		cancel()
	}()

	conn, err := x.Connect(ctx, host, port)
	if err != nil {
		fmt.Printf("[ERROR] connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *useEC {
		conn.SetParams(xfer.Params{UseErasureCoding: true})
	}

	start := time.Now()
	handle, err := conn.SendPost(ctx, payload)
	if err != nil {
		fmt.Printf("[ERROR] send_post failed: %v\n", err)
		os.Exit(1)
	}
	if err := handle.Wait(ctx); err != nil {
		fmt.Printf("[ERROR] send did not complete: %v\n", err)
		os.Exit(1)
	}

	elapsed := time.Since(start)
	mbps := float64(len(payload)) * 8 / elapsed.Seconds() / 1e6
	fmt.Printf("[STATS] sent %d bytes in %s (%.2f Mbps)\n", len(payload), elapsed.Round(time.Millisecond), mbps)
}

func splitHostPort(addr string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func printBanner(cfg *config.Config, server string, size int) {
	fmt.Println()
	fmt.Println("relaywire sender")
	fmt.Printf("  target:   %s\n", server)
	fmt.Printf("  payload:  %d bytes\n", size)
	fmt.Printf("  channels: %d starting at port %d (%s)\n", cfg.NumChannels, cfg.ChannelBasePort, cfg.ChannelTransport)
	fmt.Println()
}
