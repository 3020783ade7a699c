package runtime

import (
	"reflect"
	"testing"
)

func TestLogBuffer_EvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	b.Append("a", "b")
	b.Append("c", "d")

	got := b.Last(10)
	want := []string{"b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Last = %v, want %v", got, want)
	}
}

func TestLogBuffer_LastN(t *testing.T) {
	b := NewLogBuffer(10)
	b.Append("one", "two", "three")

	got := b.Last(2)
	want := []string{"two", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Last(2) = %v, want %v", got, want)
	}
}

func TestLogBuffer_Empty(t *testing.T) {
	b := NewLogBuffer(5)
	if got := b.Last(3); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}
