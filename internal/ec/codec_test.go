package ec

import "testing"

func TestEncodeReconstructRoundTrip(t *testing.T) {
	codec := New()
	chunkBytes := 16
	k, m := 3, 2

	data := [][]byte{
		[]byte("0123456789012345"),
		[]byte("aaaaaaaaaaaaaaaa"),
		[]byte("bbbbbbbbbbbbbbbb"),
	}
	parity, err := codec.EncodeStripe(data, m, chunkBytes)
	if err != nil {
		t.Fatalf("EncodeStripe: %v", err)
	}
	if len(parity) != m {
		t.Fatalf("expected %d parity shards, got %d", m, len(parity))
	}

	shards := make([][]byte, k+m)
	copy(shards[:k], data)
	copy(shards[k:], parity)

	// Erase two data shards, at the m-shard recovery budget.
	lost0, lost1 := shards[0], shards[1]
	shards[0] = nil
	shards[1] = nil

	if err := codec.ReconstructStripe(shards, k, m, chunkBytes); err != nil {
		t.Fatalf("ReconstructStripe: %v", err)
	}
	if string(shards[0]) != string(lost0) {
		t.Fatalf("shard 0 not recovered correctly: got %q", shards[0])
	}
	if string(shards[1]) != string(lost1) {
		t.Fatalf("shard 1 not recovered correctly: got %q", shards[1])
	}
}

func TestEncodeStripeHandlesPaddedDataChunk(t *testing.T) {
	codec := New()
	chunkBytes := 8
	data := [][]byte{
		[]byte("realdata"),
		nil, // logically zero, past data_chunks
	}
	parity, err := codec.EncodeStripe(data, 1, chunkBytes)
	if err != nil {
		t.Fatalf("EncodeStripe: %v", err)
	}
	if len(parity) != 1 || len(parity[0]) != chunkBytes {
		t.Fatalf("unexpected parity shape: %+v", parity)
	}
}
