package engine

import "testing"

func TestAltIndexIsInvolution(t *testing.T) {
	const capacity = 1 << 10
	for _, hv := range []uint64{0, 1, 12345, 1 << 40, ^uint64(0)} {
		for _, partial := range []uint16{0, 1, 7, 0xBEEF, 0xFFFF} {
			f := firstIndex(hv, capacity)
			s := secondIndex(partial, f, capacity)
			if back := altIndex(partial, s, capacity); back != f {
				t.Fatalf("altIndex(altIndex(f))=%d, want %d (hv=%d partial=%d)", back, f, hv, partial)
			}
			if f >= capacity/2 {
				t.Fatalf("firstIndex out of lower half: %d", f)
			}
			if s < capacity/2 {
				t.Fatalf("secondIndex out of upper half: %d", s)
			}
		}
	}
}

func FuzzIndexing(f *testing.F) {
	f.Add(uint64(0), uint16(0))
	f.Add(uint64(12345), uint16(0xBEEF))
	f.Fuzz(func(t *testing.T, hv uint64, partial uint16) {
		const capacity = 1 << 8
		first := firstIndex(hv, capacity)
		second := secondIndex(partial, first, capacity)
		if first >= capacity/2 || second < capacity/2 || second >= capacity {
			t.Fatalf("indices out of range: first=%d second=%d", first, second)
		}
		if got := altIndex(partial, second, capacity); got != first {
			t.Fatalf("altIndex not an involution: got %d want %d", got, first)
		}
	})
}
