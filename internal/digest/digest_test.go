package digest

import "testing"

func TestComputeAndString(t *testing.T) {
	d := Compute([]byte("hello"))
	s := d.String()
	if len(s) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", Size*2, len(s), s)
	}

	back, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back != d {
		t.Fatalf("round trip mismatch: %s != %s", back, d)
	}
}

func TestParseRejectsUppercase(t *testing.T) {
	d := Compute([]byte("hello"))
	upper := ""
	for _, c := range d.String() {
		if c >= 'a' && c <= 'f' {
			c = c - 'a' + 'A'
		}
		upper += string(c)
	}
	if _, err := Parse(upper); err == nil {
		t.Fatal("expected error for uppercase digest")
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse("abcd"); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestBucket(t *testing.T) {
	d, err := Parse("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.Bucket(); got != "0123" {
		t.Errorf("expected bucket 0123, got %s", got)
	}
}

func TestIsZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Error("expected zero digest to report IsZero")
	}
	d2 := Compute([]byte("x"))
	if d2.IsZero() {
		t.Error("expected non-zero digest to not report IsZero")
	}
}

func TestLess(t *testing.T) {
	a, err := Parse("0000000000000000000000000000000000000000000000000000000000000000aa")
	if err == nil {
		t.Fatal("expected error: 66 hex chars is too long")
	}
	a, err = Parse("0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := Parse("0000000000000000000000000000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}
	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if b.Less(a) {
		t.Error("expected !(b < a)")
	}
	if a.Less(a) {
		t.Error("expected !(a < a)")
	}
}
