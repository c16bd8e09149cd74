package dataplane

import (
	"net"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/backend"
	"github.com/relaywire/relaywire/internal/wire"
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
	payload         []byte
}

func (b *staticBurst) PacketCount() uint32 { return b.count }
func (b *staticBurst) BuildPacket(i uint32) (*wire.Packet, error) {
	return wire.CreateData(wire.PacketData, b.transferID, b.msgID, i, b.packetsPerChunk, b.payload)
}

func TestSendAllRoundRobinsAcrossChannels(t *testing.T) {
	ch0 := &recordingChannel{}
	ch1 := &recordingChannel{}
	p := New([]backend.Channel{ch0, ch1}, "127.0.0.1", 9000)

	b := &staticBurst{transferID: 1, msgID: 1, packetsPerChunk: 1, count: 4, payload: []byte("x")}
	if err := p.SendAll(b); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if len(ch0.sent) != 2 || len(ch1.sent) != 2 {
		t.Fatalf("expected 2 packets per channel, got %d/%d", len(ch0.sent), len(ch1.sent))
	}
}

func TestRetransmitChunkResendsOnlyChunkRange(t *testing.T) {
	ch0 := &recordingChannel{}
	p := New([]backend.Channel{ch0}, "127.0.0.1", 9000)
	b := &staticBurst{transferID: 1, msgID: 1, packetsPerChunk: 4, count: 12, payload: []byte("x")}

	if err := p.RetransmitChunk(b, 1, 4, 12); err != nil {
		t.Fatalf("RetransmitChunk: %v", err)
	}
	if len(ch0.sent) != 4 {
		t.Fatalf("expected 4 packets resent for chunk 1, got %d", len(ch0.sent))
	}
	for _, raw := range ch0.sent {
		pkt, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pkt.Header.PacketOffset < 4 || pkt.Header.PacketOffset >= 8 {
			t.Fatalf("packet offset %d outside chunk 1's range", pkt.Header.PacketOffset)
		}
	}
}
