package sr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/backend"
	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/dataplane"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

type recordingChannel struct {
	sent [][]byte
}

func (c *recordingChannel) Send(pkt []byte, to net.Addr) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	c.sent = append(c.sent, cp)
	return nil
}
func (c *recordingChannel) Recv(time.Duration) ([]byte, net.Addr, error) { select {} }
func (c *recordingChannel) LocalPort() int                              { return 0 }
func (c *recordingChannel) Close() error                                { return nil }

type staticBurst struct {
	transferID      uint32
	msgID           uint16
	packetsPerChunk uint16
	count           uint32
}

func (b *staticBurst) PacketCount() uint32 { return b.count }
func (b *staticBurst) BuildPacket(i uint32) (*wire.Packet, error) {
	return wire.CreateData(wire.PacketData, b.transferID, b.msgID, i, b.packetsPerChunk, []byte("payload"))
}

func pipe(t *testing.T) (*controlstream.Conn, *controlstream.Conn, func()) {
	t.Helper()
	ln, err := controlstream.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serverCh := make(chan *controlstream.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serverCh <- c
	}()
	client, err := controlstream.Dial(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	return client, server, func() { client.Close(); server.Close(); ln.Close() }
}

func TestSenderRunSucceedsOnCompleteAck(t *testing.T) {
	senderConn, receiverConn, cleanup := pipe(t)
	defer cleanup()

	ch := &recordingChannel{}
	plane := dataplane.New([]backend.Channel{ch}, "127.0.0.1", 9000)
	burst := &staticBurst{transferID: 1, msgID: 1, packetsPerChunk: 1, count: 4}
	s := NewSender(plane, burst, senderConn, 4, 4, 1, 200*time.Millisecond, logrus.NewEntry(logrus.New()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = receiverConn.Send(wire.NewControlMessage(wire.CtrlCompleteAck, 1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSenderRunFailsOnIncompleteNack(t *testing.T) {
	senderConn, receiverConn, cleanup := pipe(t)
	defer cleanup()

	ch := &recordingChannel{}
	plane := dataplane.New([]backend.Channel{ch}, "127.0.0.1", 9000)
	burst := &staticBurst{transferID: 1, msgID: 1, packetsPerChunk: 1, count: 4}
	s := NewSender(plane, burst, senderConn, 4, 4, 1, 200*time.Millisecond, logrus.NewEntry(logrus.New()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = receiverConn.Send(wire.NewControlMessage(wire.CtrlIncompleteNack, 1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestSenderOnNackRetransmitsGap(t *testing.T) {
	ch := &recordingChannel{}
	plane := dataplane.New([]backend.Channel{ch}, "127.0.0.1", 9000)
	burst := &staticBurst{transferID: 1, msgID: 1, packetsPerChunk: 1, count: 4}
	senderConn, _, cleanup := pipe(t)
	defer cleanup()
	s := NewSender(plane, burst, senderConn, 4, 4, 1, 200*time.Millisecond, logrus.NewEntry(logrus.New()))

	m := wire.NewControlMessage(wire.CtrlSRNack, 1)
	m.SetGaps([]uint32{1}, []uint32{2})
	if err := s.onNack(m); err != nil {
		t.Fatalf("onNack: %v", err)
	}
	if len(ch.sent) != 2 {
		t.Fatalf("expected 2 packets resent for gap [1,3), got %d", len(ch.sent))
	}
}

func TestReceiverEmitsNackForPartialMessage(t *testing.T) {
	writerSide, readerSide, cleanup := pipe(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	engine := bitmap.NewEngine(bitmap.Callbacks{})
	engine.Register(1, 4, 1)

	r := NewReceiver(1, 1, 1, engine, writerSide, 100*time.Millisecond, log)

	engine.SetPacket(1, 0)
	r.OnChunkComplete(1, 0)

	msg, err := readerSide.Recv()
	if err != nil {
		t.Fatalf("expected control message: %v", err)
	}
	if msg.Type != wire.CtrlSRNack {
		t.Fatalf("expected SR_NACK for a partial message, got %v", msg.Type)
	}
}

func TestReceiverEmitsCompleteAckImmediately(t *testing.T) {
	writerSide, readerSide, cleanup := pipe(t)
	defer cleanup()

	log := logrus.NewEntry(logrus.New())
	engine := bitmap.NewEngine(bitmap.Callbacks{})
	engine.Register(1, 1, 1)

	r := NewReceiver(1, 1, 1, engine, writerSide, time.Hour, log)

	engine.SetPacket(1, 0)
	r.OnChunkComplete(1, 0)
	r.OnMessageComplete(1)

	msg, err := readerSide.Recv()
	if err != nil {
		t.Fatalf("expected control message: %v", err)
	}
	if msg.Type != wire.CtrlCompleteAck {
		t.Fatalf("expected COMPLETE_ACK, got %v", msg.Type)
	}
}
