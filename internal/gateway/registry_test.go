package gateway

import (
	"testing"
	"time"
)

func TestRegistry_InsertLookupEach(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("new registry length = %d, want 0", r.Len())
	}

	r.Insert(1, Schema{Name: "temp"}, Config{}, ModbusSource{RegAddr: 10}, 5*time.Second)
	r.Insert(2, Schema{Name: "alarm"}, Config{}, ModbusSource{RegAddr: 20}, 0)

	if r.Len() != 2 {
		t.Fatalf("length = %d, want 2", r.Len())
	}

	entry := r.Lookup(1)
	if entry == nil || entry.Schema.Name != "temp" || entry.PollInterval != 5*time.Second {
		t.Fatalf("got %+v", entry)
	}

	if r.Lookup(99) != nil {
		t.Error("Lookup for missing id should return nil")
	}

	seen := map[int]bool{}
	r.Each(func(e *SensorEntry) { seen[e.ID] = true })
	if !seen[1] || !seen[2] || len(seen) != 2 {
		t.Errorf("Each visited %v", seen)
	}
}

func TestRegistry_InsertReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Insert(1, Schema{Name: "old"}, Config{}, ModbusSource{}, 0)
	r.Insert(1, Schema{Name: "new"}, Config{}, ModbusSource{}, 0)

	if r.Len() != 1 {
		t.Fatalf("length = %d, want 1", r.Len())
	}
	if got := r.Lookup(1).Schema.Name; got != "new" {
		t.Errorf("got %q, want new", got)
	}
}

func TestRegistry_Destroy(t *testing.T) {
	r := NewRegistry()
	r.Insert(1, Schema{}, Config{}, ModbusSource{}, 0)
	r.Destroy()
	if r.Len() != 0 {
		t.Errorf("length after Destroy = %d, want 0", r.Len())
	}
	if r.Lookup(1) != nil {
		t.Error("Lookup after Destroy should return nil")
	}
}
