package tool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ValidateAll ---

func TestValidateAll_AllNil(t *testing.T) {
	assert.NoError(t, ValidateAll(nil, nil, nil))
}

func TestValidateAll_Empty(t *testing.T) {
	assert.NoError(t, ValidateAll())
}

func TestValidateAll_ReturnsFirst(t *testing.T) {
	first := fmt.Errorf("first")
	second := fmt.Errorf("second")
	err := ValidateAll(nil, first, second)
	assert.Equal(t, first, err)
}

func TestRequireField_Blank(t *testing.T) {
	assert.Error(t, RequireField("region", "   "))
	assert.NoError(t, RequireField("region", "Baner"))
}

func TestValidateAll_IntegrationWithRequireField(t *testing.T) {
	err := ValidateAll(
		RequireField("region", "pune"),
		RequireField("url", ""),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'url' is required")
}

// --- ValidateURL ---

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"empty is ok", "", ""},
		{"valid https", "https://www.99acres.com/3-bhk-flat-in-baner", ""},
		{"valid http", "http://housing.com/in/buy/pune", ""},
		{"localhost", "http://localhost:8080", "not public"},
		{"loopback ip", "http://127.0.0.1/listing", "private or reserved"},
		{"private ip", "https://192.168.1.10/x", "private or reserved"},
		{"metadata ip", "http://169.254.169.254/latest", "private or reserved"},
		{"ipv6 loopback", "http://[::1]:80/", "private or reserved"},
		{"public ip", "https://93.184.216.34/listing", ""},
		{"missing scheme", "example.com", "scheme must be http or https"},
		{"ftp scheme", "ftp://example.com", "scheme must be http or https"},
		{"missing host", "http://", "missing host"},
		{"not a url", "://broken", "invalid url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL("url", tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
