package core

import "testing"

func TestDefaultMatcher(t *testing.T) {
	m := DefaultMatcher{}

	tests := []struct {
		pattern     string
		destination string
		want        bool
	}{
		// Exact match
		{"dynamicTopics/eXistdb", "dynamicTopics/eXistdb", true},
		{"dynamicTopics/eXistdb", "dynamicTopics/other", false},
		{"orders", "orders", true},

		// Single-level wildcard
		{"dynamicTopics/*", "dynamicTopics/eXistdb", true},
		{"dynamicTopics/*", "dynamicTopics/a/b", false},
		{"*.created", "orders.created", true},
		{"*.created", "payments.created", true},

		// Multi-level wildcard
		{"db.#", "db.apps", true},
		{"db.#", "db.apps.updates", true},
		{"db/#", "db/apps/test/updates", true},
		{"#", "anything", true},
		{"#", "a.b.c", true},

		// Combined
		{"orders.*.#", "orders.us.created", true},
		{"orders.*.#", "orders.us.east.created", true},
		{"orders.#.created", "orders.us.east.created", true},
		{"orders.#.created", "orders.us.east.deleted", false},

		// Mixed separators are the same level boundary
		{"queue.*", "queue/orders", true},

		// Edge cases
		{"orders.created", "orders", false},
		{"orders", "orders.created", false},
		{"orders.*", "orders", false},
		{"orders.#", "orders", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"→"+tt.destination, func(t *testing.T) {
			got := m.Match(tt.pattern, tt.destination)
			if got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.destination, got, tt.want)
			}
		})
	}
}
