package wire

import (
	"bytes"
	"testing"
)

func TestControlMessageEncodeDecode(t *testing.T) {
	m := NewControlMessage(CtrlSRNack, 42)
	m.Params.TransferID = 9
	m.SetCumulativeChunk(3)
	m.SetGaps([]uint32{4, 10}, []uint32{2, 1})
	m.SetChunkBitmap([]uint64{0xFF, 0x1})

	buf := m.Encode()
	decoded, err := DecodeControl(buf)
	if err != nil {
		t.Fatalf("DecodeControl failed: %v", err)
	}

	if decoded.Type != CtrlSRNack {
		t.Errorf("Type = %v, want CtrlSRNack", decoded.Type)
	}
	if decoded.ConnectionID != 42 {
		t.Errorf("ConnectionID = %d, want 42", decoded.ConnectionID)
	}
	if decoded.CumulativeChunk() != 3 {
		t.Errorf("CumulativeChunk = %d, want 3", decoded.CumulativeChunk())
	}
	starts, lens := decoded.Gaps()
	if len(starts) != 2 || starts[0] != 4 || lens[0] != 2 || starts[1] != 10 || lens[1] != 1 {
		t.Errorf("Gaps = %v/%v, want [4 10]/[2 1]", starts, lens)
	}
	if decoded.Bitmap[0] != 0xFF || decoded.Bitmap[1] != 0x1 {
		t.Errorf("Bitmap = %v", decoded.Bitmap[:2])
	}
}

func TestReadWriteControl(t *testing.T) {
	m := NewControlMessage(CtrlCompleteAck, 1)
	var buf bytes.Buffer
	if err := WriteControl(&buf, m); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}

	got, err := ReadControl(&buf)
	if err != nil {
		t.Fatalf("ReadControl failed: %v", err)
	}
	if got.Type != CtrlCompleteAck || got.ConnectionID != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeControlRejectsBadMagic(t *testing.T) {
	m := NewControlMessage(CtrlOffer, 1)
	buf := m.Encode()
	buf[0] = 0
	buf[1] = 0
	if _, err := DecodeControl(buf); err == nil {
		t.Fatalf("expected magic mismatch")
	}
}
