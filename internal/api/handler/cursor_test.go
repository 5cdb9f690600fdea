package handler

import (
	"testing"
	"time"

	"github.com/aksellodoo/distance-engine/internal/api/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursorRoundTrip(t *testing.T) {
	original := &storage.JobCursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		JobID:     "0b54a2a3-6c6e-4e41-9f1c-2f6d3f5b8a11",
	}

	encoded, err := EncodeJobCursor(original)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, original.JobID, decoded.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name      string
		cursorStr string
		wantNil   bool
		wantErr   bool
	}{
		{
			name:      "empty cursor means first page",
			cursorStr: "",
			wantNil:   true,
		},
		{
			name:      "not base64",
			cursorStr: "%%%not-base64%%%",
			wantErr:   true,
		},
		{
			name:      "missing separator",
			cursorStr: "bm8tc2VwYXJhdG9y", // "no-separator"
			wantErr:   true,
		},
		{
			name:      "non-numeric timestamp",
			cursorStr: "YWJjfGpvYi1pZA==", // "abc|job-id"
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeJobCursor(tt.cursorStr)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}
