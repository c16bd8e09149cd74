// =============================================================================
// File: pkg/xfer/recv_test.go
// Whitebox coverage for the progress-timeout watchdog (§8 scenario 6):
// no chunk arriving for cfg.ProgressTimeout must emit INCOMPLETE_NACK and
// fail the RecvHandle, and any chunk arrival must push the deadline back.
// =============================================================================
package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

type noopNotifiee struct{}

func (noopNotifiee) OnChunkComplete(uint16, uint32) {}
func (noopNotifiee) OnMessageComplete(uint16)       {}

func controlPipe(t *testing.T) (*controlstream.Conn, *controlstream.Conn, func()) {
	t.Helper()
	ln, err := controlstream.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serverCh := make(chan *controlstream.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c
		}
	}()
	client, err := controlstream.Dial(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	return client, server, func() { client.Close(); server.Close(); ln.Close() }
}

func TestWatchProgressEmitsIncompleteNackAfterTimeout(t *testing.T) {
	client, server, cleanup := controlPipe(t)
	defer cleanup()

	cfg := config.DefaultConfig()
	cfg.ProgressTimeout = 50 * time.Millisecond

	c := &Connection{cfg: cfg, log: logrus.NewEntry(logrus.New()), connectionID: 7, control: client}
	h := &RecvHandle{c: c, msgID: 3, done: make(chan struct{})}
	w := newProgressWatchdog(noopNotifiee{})

	go c.watchProgress(h, 42, w)

	server.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type != wire.CtrlIncompleteNack {
		t.Fatalf("got control type %v, want CtrlIncompleteNack", msg.Type)
	}
	if msg.Params.TransferID != 42 {
		t.Fatalf("TransferID = %d, want 42", msg.Params.TransferID)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecvHandle did not finish after progress timeout")
	}
	if h.err != ErrIncompleteTransfer {
		t.Fatalf("h.err = %v, want ErrIncompleteTransfer", h.err)
	}
}

func TestWatchProgressResetsOnChunkComplete(t *testing.T) {
	client, server, cleanup := controlPipe(t)
	defer cleanup()

	cfg := config.DefaultConfig()
	cfg.ProgressTimeout = 100 * time.Millisecond

	c := &Connection{cfg: cfg, log: logrus.NewEntry(logrus.New()), connectionID: 7, control: client}
	h := &RecvHandle{c: c, msgID: 3, done: make(chan struct{})}
	w := newProgressWatchdog(noopNotifiee{})

	go c.watchProgress(h, 42, w)

	// Keep feeding progress signals for longer than one timeout period;
	// the watchdog must not fire while progress keeps arriving.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.OnChunkComplete(3, 0)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-h.done:
		t.Fatal("watchdog fired despite ongoing progress")
	default:
	}

	server.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	h.finish(nil)
}
