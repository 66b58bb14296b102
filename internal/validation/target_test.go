package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestValidateScopeTarget(t *testing.T) {
	tests := []struct {
		name       string
		targetType types.TargetType
		value      string
		wantErr    bool
	}{
		{"wildcard", types.TargetTypeWildcard, "*.example.com", false},
		{"wildcard multi-label suffix", types.TargetTypeWildcard, "*.example.co.uk", false},
		{"wildcard without star", types.TargetTypeWildcard, "example.com", true},
		{"wildcard local", types.TargetTypeWildcard, "*.server.local", true},
		{"wildcard localhost", types.TargetTypeWildcard, "*.localhost", true},
		{"company", types.TargetTypeCompany, "Example Corp", false},
		{"company with slash", types.TargetTypeCompany, "a/b", true},
		{"url", types.TargetTypeURL, "https://app.example.com/login", false},
		{"url private ip", types.TargetTypeURL, "http://192.168.0.1/api", true},
		{"url loopback", types.TargetTypeURL, "http://127.0.0.1:8080", true},
		{"url bad scheme", types.TargetTypeURL, "ftp://example.com", true},
		{"empty", types.TargetTypeWildcard, "  ", true},
		{"unknown type", types.TargetType("IP"), "1.2.3.4", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopeTarget(tt.targetType, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseTargetType(t *testing.T) {
	got, err := ParseTargetType("wildcard")
	assert.NoError(t, err)
	assert.Equal(t, types.TargetTypeWildcard, got)

	got, err = ParseTargetType("Company")
	assert.NoError(t, err)
	assert.Equal(t, types.TargetTypeCompany, got)

	_, err = ParseTargetType("asn")
	assert.Error(t, err)
}
