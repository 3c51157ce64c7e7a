package broker

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		binding, key string
		want         bool
	}{
		{"#", "event", true},
		{"#", "", true},
		{"#", "a.b.c", true},
		{"event", "event", true},
		{"event", "other", false},
		{"*", "event", true},
		{"*", "a.b", false},
		{"a.*.c", "a.b.c", true},
		{"a.#", "a", true},
		{"a.#.c", "a.x.y.c", true},
		{"a.#.c", "a.x.y.d", false},
		{"", "", true},
		{"", "event", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.binding, tt.key); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.binding, tt.key, got, tt.want)
		}
	}
}

func TestMessageHeader(t *testing.T) {
	var m Message
	if m.Header("x") != nil {
		t.Error("expected nil header on empty message")
	}
	m.Headers = map[string]any{"x": 3}
	if m.Header("x") != 3 {
		t.Errorf("got %v, want 3", m.Header("x"))
	}
}
