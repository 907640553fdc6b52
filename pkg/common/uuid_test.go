package common

import "testing"

func TestUUIDint64Unique(t *testing.T) {
	seen := make(map[int64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := UUIDint64()
		if id <= 0 {
			t.Fatalf("expected positive id, got %d", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDFormat(t *testing.T) {
	if got := UUID(); len(got) != 36 {
		t.Fatalf("unexpected uuid %q", got)
	}
}
