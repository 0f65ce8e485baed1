package workflow

import (
	"testing"
)

func TestState_StoreAndGet(t *testing.T) {
	state := NewState()
	state.Store("webhook", map[string]interface{}{
		"body": map[string]interface{}{"x": 42.0},
	})

	value, ok := state.Get("webhook.body.x")
	if !ok {
		t.Fatal("expected webhook.body.x to be found")
	}
	if value != 42.0 {
		t.Errorf("expected 42, got %v", value)
	}
}

func TestState_GetTopLevelHandle(t *testing.T) {
	state := NewState()
	output := map[string]interface{}{"status": "open"}
	state.Store("alert", output)

	value, ok := state.Get("alert")
	if !ok {
		t.Fatal("expected alert to be found")
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", value)
	}
	if m["status"] != "open" {
		t.Errorf("expected status 'open', got %v", m["status"])
	}
}

func TestState_GetMissingPaths(t *testing.T) {
	state := NewState()
	state.Store("h", map[string]interface{}{
		"body": map[string]interface{}{"x": 42.0},
	})

	tests := []struct {
		name string
		path string
	}{
		{"missing leaf", "h.body.y"},
		{"missing branch", "h.missing"},
		{"missing handle", "other.body.x"},
		{"empty path", ""},
		{"trailing dot", "h.body."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := state.Get(tt.path); ok {
				t.Errorf("expected %q to be not found", tt.path)
			}
		})
	}
}

func TestState_GetThroughNonMap(t *testing.T) {
	state := NewState()
	state.Store("h", map[string]interface{}{
		"items": []interface{}{1.0, 2.0, 3.0},
		"count": 3.0,
	})

	// Array index traversal is not part of the path language.
	if _, ok := state.Get("h.items.0"); ok {
		t.Error("expected array traversal to be not found")
	}
	if _, ok := state.Get("h.count.deeper"); ok {
		t.Error("expected traversal through a number to be not found")
	}
}

func TestState_StoreOverwrites(t *testing.T) {
	state := NewState()
	state.Store("h", map[string]interface{}{"v": 1.0})
	state.Store("h", map[string]interface{}{"v": 2.0})

	value, ok := state.Get("h.v")
	if !ok {
		t.Fatal("expected h.v to be found")
	}
	if value != 2.0 {
		t.Errorf("expected overwritten value 2, got %v", value)
	}
}

func TestState_Map(t *testing.T) {
	state := NewState()
	state.Store("a", map[string]interface{}{"x": 1.0})
	state.Store("b", "plain")

	m := state.Map()
	if len(m) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(m))
	}
	if m["b"] != "plain" {
		t.Errorf("expected plain string output, got %v", m["b"])
	}
}
