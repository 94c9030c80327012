package clock

import (
	"path/filepath"
	"testing"
)

func TestNextIsMonotonic(t *testing.T) {
	c := Open(filepath.Join(t.TempDir(), "clock"))

	var last int64
	for i := 0; i < 1000; i++ {
		v, err := c.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if v <= last {
			t.Fatalf("clock went backward or stood still: last=%d v=%d", last, v)
		}
		last = v
	}
}

func TestNextSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clock")

	c1 := Open(path)
	v1, err := c1.Next()
	if err != nil {
		t.Fatal(err)
	}

	c2 := Open(path)
	v2, err := c2.Next()
	if err != nil {
		t.Fatal(err)
	}
	if v2 <= v1 {
		t.Fatalf("reopened clock did not continue monotonically: v1=%d v2=%d", v1, v2)
	}
}
