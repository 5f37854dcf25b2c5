package pagination

import (
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	c, err := Decode(Encode(ts, "neg_abc"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !c.CreatedAt.Equal(ts) || c.ID != "neg_abc" {
		t.Errorf("Expected (%v, neg_abc), got (%v, %s)", ts, c.CreatedAt, c.ID)
	}
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", Encode(time.Now(), "")} {
		if _, err := Decode(s); err == nil {
			t.Errorf("Decode(%q) expected error", s)
		}
	}
	if c, err := Decode(""); c != nil || err != nil {
		t.Errorf("Decode(\"\") = %v, %v; want nil, nil", c, err)
	}
}

func TestCursorAfter(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: base, ID: "m"}

	if !c.After(base.Add(-time.Second), "z") {
		t.Error("older item should be after cursor")
	}
	if c.After(base.Add(time.Second), "a") {
		t.Error("newer item should not be after cursor")
	}
	if !c.After(base, "a") || c.After(base, "z") {
		t.Error("same timestamp should tie-break on id")
	}
	var none *Cursor
	if !none.After(base, "x") {
		t.Error("nil cursor admits everything")
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int{"": DefaultLimit, "abc": DefaultLimit, "-1": DefaultLimit, "10": 10, "5000": MaxLimit}
	for in, want := range tests {
		if got := ParseLimit(in); got != want {
			t.Errorf("ParseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestComputePage(t *testing.T) {
	now := time.Now()
	items := []string{"c", "b", "a"}
	page, next, more := ComputePage(items, 2, func(s string) (time.Time, string) { return now, s })
	if len(page) != 2 || !more || next == "" {
		t.Fatalf("Expected 2 items with next cursor, got %v %q %v", page, next, more)
	}
	c, _ := Decode(next)
	if c.ID != "b" {
		t.Errorf("Expected cursor at b, got %s", c.ID)
	}
}
