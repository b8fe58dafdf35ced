// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	id := New()
	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestNewTemp(t *testing.T) {
	id := NewTemp()

	if !strings.HasPrefix(id, TempPrefix) {
		t.Errorf("NewTemp() = %q, want %q prefix", id, TempPrefix)
	}
	if !IsTemp(id) {
		t.Errorf("IsTemp(%q) = false", id)
	}
	if err := ValidateTemp(id); err != nil {
		t.Errorf("ValidateTemp(%q) = %v", id, err)
	}
}

func TestIsTemp(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{NewTemp(), true},
		{"tmp_anything", true},
		{New(), false},
		{"501", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsTemp(tt.id); got != tt.want {
			t.Errorf("IsTemp(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestValidateTemp(t *testing.T) {
	if err := ValidateTemp(New()); err == nil {
		t.Error("ValidateTemp accepted an identifier without the prefix")
	}
	if err := ValidateTemp("tmp_not-a-uuid"); err == nil {
		t.Error("ValidateTemp accepted a malformed temporary identifier")
	}
}

func TestIsValid(t *testing.T) {
	if IsValid("550e8400-e29b-11d4-a716-446655440000") {
		t.Error("IsValid accepted a v1 UUID")
	}
	if !IsValid("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("IsValid rejected a well-formed v4 UUID")
	}
}
