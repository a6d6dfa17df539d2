package id

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	tests := []struct {
		prefix string
	}{
		{ThreadPrefix},
		{GatePrefix},
		{RequestPrefix},
	}

	for _, tt := range tests {
		id := gen.GenerateWithPrefix(tt.prefix)

		if !strings.HasPrefix(id, tt.prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", tt.prefix, id)
		}

		parts := strings.Split(id, "_")
		if len(parts) != 2 {
			t.Errorf("Prefixed ID should have format 'prefix_ulid', got: %s", id)
		}

		if !IsValid(id) {
			t.Errorf("prefixed ID should be valid: %s", id)
		}
	}
}

func TestObjectIDPrefix(t *testing.T) {
	tests := []struct {
		prefix string
	}{
		{TaskPrefix},
		{ThreadPrefix},
		{GatePrefix},
		{IRQPrefix},
		{FactoryPrefix},
		{DataspacePrefix},
		{LogPrefix},
	}

	for _, tt := range tests {
		id := NewObjectID(tt.prefix)
		if id.Prefix() != tt.prefix {
			t.Errorf("expected prefix %s, got %s", tt.prefix, id.Prefix())
		}
	}

	if ObjectID("nounderscore").Prefix() != "" {
		t.Error("ID without prefix should report empty prefix")
	}
}

func TestMonotonicOrder(t *testing.T) {
	gen := NewGenerator()

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen.GenerateString()
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("IDs from one generator should sort in creation order")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := gen.GenerateString()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique IDs, got %d", workers*perWorker, len(seen))
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewRequestID()

	ts, err := Timestamp(id.String())
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) {
		t.Errorf("timestamp %v should be after %v", ts, before)
	}

	if _, err := Timestamp("garbage"); err == nil {
		t.Error("expected error for invalid ID")
	}
}
