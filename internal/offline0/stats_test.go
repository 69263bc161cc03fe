package offline0

import "testing"

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	if got := s.Snapshot(); got.TotalResponses != 0 || got.MinRespBytes != 0 {
		t.Fatalf("empty snapshot = %+v", got)
	}

	s.Observe("hit", 100)
	s.Observe("miss", 300)
	s.Observe("hit", 200)
	s.SetQueueDepth(4)

	got := s.Snapshot()
	want := statsSnapshot{
		Hits:           2,
		Misses:         1,
		TotalResponses: 3,
		TotalRespBytes: 600,
		MinRespBytes:   100,
		MaxRespBytes:   300,
		AvgRespBytes:   200,
		QueueDepth:     4,
	}
	if got != want {
		t.Fatalf("Snapshot = %+v, want %+v", got, want)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0b"},
		{1023, "1023b"},
		{1024, "1kb"},
		{1536, "1.5kb"},
		{5 * 1024 * 1024, "5mb"},
		{3 * 1024 * 1024 * 1024, "3gb"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
