package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "sequential numbering",
			query: "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			want:  "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name:  "question mark inside string literal untouched",
			query: "SELECT * FROM t WHERE a = '?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
		{
			name:  "escaped quote inside literal",
			query: "SELECT 'it''s ?' , ?",
			want:  "SELECT 'it''s ?' , $1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebindPostgresPlaceholders(tt.query))
		})
	}
}

func TestRoundingHelpers(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.234))
	assert.Equal(t, 1.24, round2(1.236))
	assert.Equal(t, -1.23, round2(-1.234))
	assert.Equal(t, 0.0, round2(0.004))
	assert.Equal(t, 0.0, round2(-0.004))

	assert.Equal(t, 0.123457, round6(0.123456789))
	assert.Equal(t, 0.0, round6(0.0000004))
}
