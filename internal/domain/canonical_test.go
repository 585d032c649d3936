package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalAttributesCanonicalForm(t *testing.T) {
	data, err := MarshalAttributes(map[string]any{
		"b":   2,
		"a":   "x<y",
		"nil": nil,
	})
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	// Sorted keys, no HTML escaping, no trailing newline.
	want := `{"a":"x<y","b":2,"nil":null}`
	if string(data) != want {
		t.Fatalf("unexpected encoding: %s", data)
	}

	empty, err := MarshalAttributes(nil)
	if err != nil || string(empty) != "{}" {
		t.Fatalf("expected nil map to encode as {}, got %s (%v)", empty, err)
	}
}

func TestUnmarshalAttributesKeepsNumbers(t *testing.T) {
	attrs, err := UnmarshalAttributes([]byte(`{"credit_limit":1200,"balance":10.5}`))
	if err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}
	if _, ok := attrs["credit_limit"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", attrs["credit_limit"])
	}

	empty, err := UnmarshalAttributes(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty map for empty input, got %v (%v)", empty, err)
	}
}

func TestAttributesEqualAcrossRepresentations(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]any
		want bool
	}{
		{
			name: "int equals json.Number",
			a:    map[string]any{"credit_limit": int64(1200)},
			b:    map[string]any{"credit_limit": json.Number("1200")},
			want: true,
		},
		{
			name: "int equals whole float",
			a:    map[string]any{"credit_limit": 1200},
			b:    map[string]any{"credit_limit": float64(1200.0)},
			want: true,
		},
		{
			name: "time equals RFC3339 round trip",
			a:    map[string]any{"at": time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)},
			b:    map[string]any{"at": time.Date(2024, 1, 15, 9, 30, 0, 0, time.FixedZone("CET", 3600))},
			want: true,
		},
		{
			name: "differing values",
			a:    map[string]any{"card_type": "gold"},
			b:    map[string]any{"card_type": "silver"},
			want: false,
		},
		{
			name: "missing key",
			a:    map[string]any{"card_type": "gold"},
			b:    map[string]any{},
			want: false,
		},
		{
			name: "nil versus empty",
			a:    nil,
			b:    map[string]any{},
			want: true,
		},
		{
			name: "nested maps",
			a:    map[string]any{"address": map[string]any{"city": "Austin", "zip": json.Number("78701")}},
			b:    map[string]any{"address": map[string]any{"city": "Austin", "zip": 78701}},
			want: true,
		},
		{
			name: "nested slice order matters",
			a:    map[string]any{"tags": []any{"a", "b"}},
			b:    map[string]any{"tags": []any{"b", "a"}},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AttributesEqual(tc.a, tc.b); got != tc.want {
				t.Fatalf("AttributesEqual = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanonicalLines(t *testing.T) {
	lines, err := canonicalLines(map[string]any{
		"credit_limit": json.Number("1200.0"),
		"card_type":    "gold",
		"address":      map[string]any{"city": "Austin"},
	})
	if err != nil {
		t.Fatalf("canonicalLines returned error: %v", err)
	}
	want := []string{
		`address.city: "Austin"`,
		`card_type: "gold"`,
		`credit_limit: 1200`,
	}
	if len(lines) != len(want) {
		t.Fatalf("unexpected lines: %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	empty, err := canonicalLines(nil)
	if err != nil || len(empty) != 1 || empty[0] != "(empty)" {
		t.Fatalf("expected (empty) placeholder, got %v (%v)", empty, err)
	}
}
