package packet

import "testing"

func TestSequenceGenerator_Wrap(t *testing.T) {
	g := NewSequenceGenerator()

	seen := make(map[uint16]int)
	for i := 0; i < 2*SequenceModulus; i++ {
		v := g.Next()
		seen[v]++
	}

	if len(seen) != SequenceModulus {
		t.Fatalf("got %d distinct values, want %d", len(seen), SequenceModulus)
	}
	for v, count := range seen {
		if count != 2 {
			t.Errorf("value %d seen %d times, want 2", v, count)
		}
	}
}

func TestSequenceGenerator_Monotonic(t *testing.T) {
	g := NewSequenceGenerator()
	for i := uint16(0); i < 100; i++ {
		if got := g.Next(); got != i {
			t.Fatalf("Next() = %d, want %d", got, i)
		}
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		a, b uint16
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 65535, true}, // wrap: 0 is newer than 65535
		{65535, 0, false},
		{100, 100, true}, // diff of 0 satisfies "< 32768" per the spec's literal formula
		{32768, 0, false},
		{0, 32768, false},
	}
	for _, tt := range tests {
		if got := IsNewer(tt.a, tt.b); got != tt.want {
			t.Errorf("IsNewer(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
