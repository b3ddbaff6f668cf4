package validation

import (
	"strings"
	"testing"
)

func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"simple", "light.kitchen", false},
		{"with digits", "sensor.garden_temp_2", false},
		{"digit object start", "switch.3d_printer", false},
		{"underscores", "binary_sensor.front_door_motion", false},

		// Invalid ids - injection attempts
		{"empty", "", true},
		{"graphql injection", `light.kitchen"}) { entities { state } }`, true},
		{"sql injection", "light.k'; DROP TABLE--", true},
		{"newline injection", "light.kitchen\nvalueString", true},
		{"uppercase", "Light.Kitchen", true},
		{"no dot", "lightkitchen", true},
		{"two dots", "light.kitchen.lamp", true},
		{"spaces", "light. kitchen", true},
		{"leading dot", ".kitchen", true},
		{"digit domain start", "3light.kitchen", true},
		{"too long", "light." + strings.Repeat("a", 255), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEntityIDs(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"light.kitchen", "sensor.hall", "cover.garage"}, false},
		{"one invalid", []string{"light.kitchen", "bad!", "cover.garage"}, true},
		{"all invalid", []string{"LIGHT", "nope"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityIDs(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityIDs(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeEntityID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "light.kitchen", "light.kitchen", false},
		{"uppercase normalized", "Light.Kitchen", "light.kitchen", false},
		{"with spaces trimmed", "  light.kitchen  ", "light.kitchen", false},
		{"invalid rejected", "bad!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeEntityID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeEntityID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeEntityID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
