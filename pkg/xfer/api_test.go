// =============================================================================
// File: pkg/xfer/api_test.go
// End-to-end loopback coverage for the public API surface: a receiver
// listens on 127.0.0.1, a sender connects, and one message round-trips
// through both the selective-repeat and erasure-coding paths.
// =============================================================================
package xfer_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/pkg/xfer"
	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// roundTrip runs one send/recv pair to completion over loopback TCP+UDP
// and returns the bytes the receiver ended up with.
func roundTrip(t *testing.T, recvCfg, sendCfg *config.Config, payload []byte) []byte {
	t.Helper()

	recvXfer, err := xfer.New(recvCfg, quietLog())
	if err != nil {
		t.Fatalf("receiver New: %v", err)
	}
	defer recvXfer.Close()

	sendXfer, err := xfer.New(sendCfg, quietLog())
	if err != nil {
		t.Fatalf("sender New: %v", err)
	}
	defer sendXfer.Close()

	ln, err := recvXfer.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", ln.Addr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	acceptCh := make(chan *xfer.Connection, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	senderConn, err := sendXfer.Connect(ctx, "127.0.0.1", tcpAddr.Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer senderConn.Close()

	var receiverConn *xfer.Connection
	select {
	case receiverConn = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}
	defer receiverConn.Close()

	recvBuf := make([]byte, len(payload)*2) // headroom for EC parity chunks

	recvHandleCh := make(chan *xfer.RecvHandle, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		h, err := receiverConn.RecvPost(ctx, recvBuf)
		if err != nil {
			recvErrCh <- err
			return
		}
		recvHandleCh <- h
	}()

	sendHandle, err := senderConn.SendPost(ctx, payload)
	if err != nil {
		t.Fatalf("SendPost: %v", err)
	}

	var recvHandle *xfer.RecvHandle
	select {
	case recvHandle = <-recvHandleCh:
	case err := <-recvErrCh:
		t.Fatalf("RecvPost: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for RecvPost")
	}

	if err := sendHandle.Wait(ctx); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	if err := recvHandle.Wait(ctx); err != nil {
		t.Fatalf("recv did not complete: %v", err)
	}
	if got := recvHandle.Complete(); got != xfer.StatusOK {
		t.Fatalf("recv_complete = %v, want OK", got)
	}

	return recvBuf[:len(payload)]
}

func loopbackConfigs(basePortA, basePortB int) (*config.Config, *config.Config) {
	a := config.DefaultConfig()
	a.ChannelBasePort = basePortA
	a.NumChannels = 2
	a.MTUBytes = 256
	a.PacketsPerChunk = 4
	a.ECKData, a.ECMParity = 0, 0

	b := config.DefaultConfig()
	b.ChannelBasePort = basePortB
	b.NumChannels = 2
	b.MTUBytes = 256
	b.PacketsPerChunk = 4
	b.ECKData, b.ECMParity = 0, 0

	return a, b
}

func TestSendRecvRoundTripSelectiveRepeat(t *testing.T) {
	recvCfg, sendCfg := loopbackConfigs(43100, 43200)

	payload := make([]byte, 6000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	got := roundTrip(t, recvCfg, sendCfg, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("received payload does not match sent payload")
	}
}

func TestSendRecvRoundTripErasureCoding(t *testing.T) {
	recvCfg, sendCfg := loopbackConfigs(43300, 43400)
	recvCfg.ECKData, recvCfg.ECMParity, recvCfg.ECMaxRetries = 4, 2, 3
	sendCfg.ECKData, sendCfg.ECMParity, sendCfg.ECMaxRetries = 4, 2, 3

	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	got := roundTrip(t, recvCfg, sendCfg, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("received payload does not match sent payload")
	}
}

func TestSetParamsOverridesConnectionDefaults(t *testing.T) {
	recvCfg, sendCfg := loopbackConfigs(43500, 43600)

	recvXfer, err := xfer.New(recvCfg, quietLog())
	if err != nil {
		t.Fatalf("receiver New: %v", err)
	}
	defer recvXfer.Close()

	sendXfer, err := xfer.New(sendCfg, quietLog())
	if err != nil {
		t.Fatalf("sender New: %v", err)
	}
	defer sendXfer.Close()

	ln, err := recvXfer.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", ln.Addr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	acceptCh := make(chan *xfer.Connection, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	senderConn, err := sendXfer.Connect(ctx, "127.0.0.1", tcpAddr.Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer senderConn.Close()

	// A tighter MTU/packets-per-chunk than the connection's configured
	// defaults should still carry a small payload end to end.
	senderConn.SetParams(xfer.Params{MTUBytes: 128, PacketsPerChunk: 2})

	var receiverConn *xfer.Connection
	select {
	case receiverConn = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}
	defer receiverConn.Close()

	payload := []byte("override params still round-trips a small message")
	recvBuf := make([]byte, len(payload)*2)

	recvHandleCh := make(chan *xfer.RecvHandle, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		h, err := receiverConn.RecvPost(ctx, recvBuf)
		if err != nil {
			recvErrCh <- err
			return
		}
		recvHandleCh <- h
	}()

	sendHandle, err := senderConn.SendPost(ctx, payload)
	if err != nil {
		t.Fatalf("SendPost: %v", err)
	}

	var recvHandle *xfer.RecvHandle
	select {
	case recvHandle = <-recvHandleCh:
	case err := <-recvErrCh:
		t.Fatalf("RecvPost: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for RecvPost")
	}

	if err := sendHandle.Wait(ctx); err != nil {
		t.Fatalf("send did not complete: %v", err)
	}
	if err := recvHandle.Wait(ctx); err != nil {
		t.Fatalf("recv did not complete: %v", err)
	}
	if !bytes.Equal(recvBuf[:len(payload)], payload) {
		t.Fatal("received payload does not match sent payload")
	}
}
