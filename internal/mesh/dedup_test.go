package mesh_test

import (
	"fmt"
	"testing"

	"github.com/reliefgrid/beacon/internal/mesh"
)

func TestDedupMarkIsIdempotent(t *testing.T) {
	d := mesh.NewDedupSet()
	if !d.Mark("msg-1") {
		t.Fatal("first Mark reported duplicate")
	}
	if d.Mark("msg-1") {
		t.Fatal("second Mark of the same id reported fresh")
	}
	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
}

func TestDedupEvictionKeepsNewestThousand(t *testing.T) {
	d := mesh.NewDedupSet()
	const total = 1500
	for i := 0; i < total; i++ {
		if !d.Mark(fmt.Sprintf("msg-%04d", i)) {
			t.Fatalf("Mark msg-%04d reported duplicate", i)
		}
	}

	if d.Len() != 1000 {
		t.Fatalf("Len after %d inserts = %d, want 1000", total, d.Len())
	}
	// The most recent 1000 ids are all present.
	for i := total - 1000; i < total; i++ {
		if !d.Seen(fmt.Sprintf("msg-%04d", i)) {
			t.Fatalf("recent id msg-%04d evicted", i)
		}
	}
	// The oldest batch is gone.
	for i := 0; i < total-1000; i++ {
		if d.Seen(fmt.Sprintf("msg-%04d", i)) {
			t.Fatalf("old id msg-%04d survived eviction", i)
		}
	}
}

func TestClampSeverity(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{0, 1},
		{1, 1},
		{2.7, 3},
		{2.4, 2},
		{5, 5},
		{10, 5},
		{-3, 1},
	}
	for _, c := range cases {
		if got := mesh.ClampSeverity(c.in); got != c.want {
			t.Errorf("ClampSeverity(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
