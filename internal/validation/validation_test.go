package validation

import "testing"

func TestNonEmpty(t *testing.T) {
	if err := NonEmpty("x"); err != nil {
		t.Fatalf("unexpected error for non-empty string: %v", err)
	}
	if err := NonEmpty(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestRangeInt(t *testing.T) {
	if err := RangeInt(5, 1, 10); err != nil {
		t.Fatalf("unexpected error for in-range value: %v", err)
	}
	if err := RangeInt(0, 1, 10); err == nil {
		t.Fatal("expected error for value below range")
	}
	if err := RangeInt(11, 1, 10); err == nil {
		t.Fatal("expected error for value above range")
	}
}
