package catalog

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestClassCache_FreshHit(t *testing.T) {
	c := NewClassCache(30 * time.Second)
	class := &Classification{ToolID: "filesystem__write_file", IsWrite: boolPtr(true)}
	c.Set("filesystem__write_file", class)

	result := c.Get("filesystem__write_file")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh, got needs refresh")
	}
	if !result.Class.Writes() {
		t.Fatal("expected write classification")
	}
}

func TestClassCache_Miss(t *testing.T) {
	c := NewClassCache(30 * time.Second)
	result := c.Get("nonexistent")
	if result.Hit {
		t.Fatal("expected miss")
	}
	if result.Class != nil {
		t.Fatal("expected nil classification on miss")
	}
}

func TestClassCache_NegativeCache(t *testing.T) {
	c := NewClassCache(30 * time.Second)
	c.Set("unknown__tool", nil)

	result := c.Get("unknown__tool")
	if !result.Hit {
		t.Fatal("expected cache hit for negative cache")
	}
	if result.Class != nil {
		t.Fatal("expected nil classification for negative cache")
	}
}

func TestClassCache_StaleHit_ReturnsValueAndSignalsRefresh(t *testing.T) {
	c := NewClassCache(1 * time.Millisecond)
	c.Set("db__query", &Classification{ToolID: "db__query", IsRead: boolPtr(true)})

	time.Sleep(5 * time.Millisecond)

	result := c.Get("db__query")
	if !result.Hit {
		t.Fatal("expected stale hit")
	}
	if !result.NeedsRefresh {
		t.Fatal("expected needs refresh on stale")
	}
}

func TestClassCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewClassCache(1 * time.Millisecond)
	c.Set("db__query", &Classification{ToolID: "db__query"})

	time.Sleep(5 * time.Millisecond)

	refreshCount := 0
	for i := 0; i < 10; i++ {
		if c.Get("db__query").NeedsRefresh {
			refreshCount++
		}
	}
	if refreshCount != 1 {
		t.Fatalf("expected exactly 1 refresh signal, got %d", refreshCount)
	}
}
