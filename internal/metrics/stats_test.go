package metrics

import "testing"

func TestConnCountersTrackDropsByReason(t *testing.T) {
	c := NewConnCounters()
	c.IncDropped(DropStale)
	c.IncDropped(DropStale)
	c.IncDropped(DropMalformed)

	if got := c.PacketsDropped(DropStale); got != 2 {
		t.Errorf("PacketsDropped(stale) = %d, want 2", got)
	}
	if got := c.PacketsDropped(DropMalformed); got != 1 {
		t.Errorf("PacketsDropped(malformed) = %d, want 1", got)
	}
	if got := c.PacketsDropped(DropDuplicate); got != 0 {
		t.Errorf("PacketsDropped(duplicate) = %d, want 0", got)
	}
}

func TestConnCountersActiveMessagesTracksUpAndDown(t *testing.T) {
	c := NewConnCounters()
	c.IncActiveMessages()
	c.IncActiveMessages()
	c.DecActiveMessages()

	if got := c.ActiveMessages(); got != 1 {
		t.Errorf("ActiveMessages() = %d, want 1", got)
	}
}

func TestConnCountersECDecodeOutcomes(t *testing.T) {
	c := NewConnCounters()
	c.IncECDecodeAttempt(ECOutcomeRecovered)
	c.IncECDecodeAttempt(ECOutcomeFellBackSR)
	c.IncECDecodeAttempt(ECOutcomeFellBackSR)

	if got := c.ECDecodeAttempts(ECOutcomeRecovered); got != 1 {
		t.Errorf("ECDecodeAttempts(recovered) = %d, want 1", got)
	}
	if got := c.ECDecodeAttempts(ECOutcomeFellBackSR); got != 2 {
		t.Errorf("ECDecodeAttempts(fell_back_sr) = %d, want 2", got)
	}
}

func TestCollectorImplementsConnectionStats(t *testing.T) {
	c := NewConnCounters()
	col := NewCollector(c)
	if col == nil {
		t.Fatal("NewCollector returned nil")
	}
	// Compile-time-flavored check that ConnCounters satisfies the
	// interface the collector consumes.
	var _ ConnectionStats = c
}
