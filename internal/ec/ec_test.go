package ec

import (
	"context"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/dataplane"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

func pipe(t *testing.T) (*controlstream.Conn, *controlstream.Conn, func()) {
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

func TestSenderEncodesAndReceiverReconstructsMissingDataChunks(t *testing.T) {
	const mtu, packetsPerChunk uint32 = 16, 1
	const k, m = 3, 2
	data := []byte("0123456789012345aaaaaaaaaaaaaaaabbbbbbbbbbbbbbbb") // exactly 3 chunks of 16 bytes
	data = data[:48]

	senderConn, receiverConn, cleanup := pipe(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	plane := dataplane.New(nil, "127.0.0.1", 9000)
	sender, err := NewSender(New(), data, k, m, mtu, packetsPerChunk, 1, 1, senderConn, plane, 300, 100, 50, log)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	engine := bitmap.NewEngine(bitmap.Callbacks{})
	engine.Register(1, sender.PacketCount(), packetsPerChunk)

	buffer := make([]byte, sender.totalChunks*sender.chunkBytes)

	// Deliver every packet except chunks 0 and 1 (two of three data
	// chunks), which is exactly the m=2 recovery budget.
	for i := uint32(0); i < sender.PacketCount(); i++ {
		pkt, err := sender.BuildPacket(i)
		if err != nil {
			t.Fatalf("BuildPacket(%d): %v", i, err)
		}
		chunkID := i / packetsPerChunk
		if chunkID == 0 || chunkID == 1 {
			continue
		}
		start := pkt.Header.PacketOffset * mtu
		copy(buffer[start:start+mtu], pkt.Payload)
		engine.SetPacket(1, pkt.Header.PacketOffset)
	}

	receiver, err := NewReceiver(New(), buffer, 1, 1, 1, k, m, mtu, packetsPerChunk, uint64(len(data)), 3, engine, receiverConn, 200*time.Millisecond, log)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	if err := receiver.tryDecode(); err != nil {
		t.Fatalf("tryDecode: %v", err)
	}

	if string(buffer[0:32]) != string(data[0:32]) {
		t.Fatalf("reconstructed data mismatch: got %q want %q", buffer[0:32], data[0:32])
	}

	senderConn.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := senderConn.Recv()
	if err != nil {
		t.Fatalf("expected EC_ACK on sender side: %v", err)
	}
	if msg.Type != wire.CtrlECAck {
		t.Fatalf("expected EC_ACK, got %v", msg.Type)
	}
}

func TestTryDecodeEmitsNackWhenUnrecoverable(t *testing.T) {
	const mtu, packetsPerChunk uint32 = 16, 1
	const k, m = 3, 1
	data := make([]byte, 48)

	senderConn, receiverConn, cleanup := pipe(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	plane := dataplane.New(nil, "127.0.0.1", 9000)
	sender, err := NewSender(New(), data, k, m, mtu, packetsPerChunk, 1, 1, senderConn, plane, 300, 100, 50, log)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	engine := bitmap.NewEngine(bitmap.Callbacks{})
	engine.Register(1, sender.PacketCount(), packetsPerChunk)
	buffer := make([]byte, sender.totalChunks*sender.chunkBytes)

	// Drop two of three data chunks while m=1: unrecoverable this epoch.
	for i := uint32(0); i < sender.PacketCount(); i++ {
		pkt, err := sender.BuildPacket(i)
		if err != nil {
			t.Fatalf("BuildPacket(%d): %v", i, err)
		}
		chunkID := i / packetsPerChunk
		if chunkID == 0 || chunkID == 1 {
			continue
		}
		start := pkt.Header.PacketOffset * mtu
		copy(buffer[start:start+mtu], pkt.Payload)
		engine.SetPacket(1, pkt.Header.PacketOffset)
	}

	receiver, err := NewReceiver(New(), buffer, 1, 1, 1, k, m, mtu, packetsPerChunk, uint64(len(data)), 3, engine, receiverConn, 200*time.Millisecond, log)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	if err := receiver.tryDecode(); err != nil {
		t.Fatalf("tryDecode: %v", err)
	}

	senderConn.SetDeadline(time.Now().Add(2 * time.Second))
	msg, err := senderConn.Recv()
	if err != nil {
		t.Fatalf("expected EC_NACK on sender side: %v", err)
	}
	if msg.Type != wire.CtrlECNack {
		t.Fatalf("expected EC_NACK, got %v", msg.Type)
	}
}
