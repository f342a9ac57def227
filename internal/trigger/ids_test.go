package trigger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}

	a := gen.Generate()
	b := gen.Generate()
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("t1", "t2")

	assert.Equal(t, "t1", gen.Generate())
	assert.Equal(t, "t2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestSystemClock_UTC(t *testing.T) {
	now := SystemClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestHandle_TargetOf(t *testing.T) {
	h := Handle{SubjectID: "3941", EventID: "E1", Date: "2024-05-01"}
	assert.Equal(t, Target{SubjectID: "3941", EventID: "E1", Date: "2024-05-01"}, h.TargetOf())
}
