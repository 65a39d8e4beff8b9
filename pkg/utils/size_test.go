package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"64MiB", 64 << 20, false},
		{"64mib", 64 << 20, false},
		{"2 MB", 2000000, false},
		{"1GiB", 1 << 30, false},
		{"8GiB", 8 << 30, false},

		{"", 0, true},
		{"-5", 0, true},
		{"MB", 0, true},
		{"10XB", 0, true},
		{"1.2.3MB", 0, true},
		{"99999999999GiB", 0, true},
		{"99999999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{64 << 20, "64 MiB"},
		{3 << 30, "3 GiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDataSize(tt.input))
	}
}
