package wal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The checksum covers the exact bytes handed to Append, so the payload
// column must return those bytes verbatim. jsonb would re-serialize on
// SELECT (key order, whitespace) and fail CRC verification for every
// record, turning replay into silent data loss.
func TestPostgresSchema_PayloadColumnReturnsAppendedBytes(t *testing.T) {
	assert.Contains(t, walSchema, "payload        BYTEA")
	assert.NotContains(t, strings.ToUpper(walSchema), "JSONB")
	assert.NotContains(t, strings.ToUpper(walSchema), "JSON ")
}
