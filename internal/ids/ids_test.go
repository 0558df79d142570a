package ids

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}

	a := gen.Generate()
	b := gen.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestSequence(t *testing.T) {
	seq := NewSequence("conflict")
	assert.Equal(t, "conflict-1", seq.Generate())
	assert.Equal(t, "conflict-2", seq.Generate())

	assert.Equal(t, "id-1", NewSequence("").Generate())
}

func TestSequenceConcurrent(t *testing.T) {
	seq := NewSequence("k")
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(seq.Generate(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}

func TestFixed(t *testing.T) {
	f := NewFixed("a", "b")
	assert.Equal(t, "a", f.Generate())
	assert.Equal(t, "b", f.Generate())
	assert.Panics(t, func() { f.Generate() })
}
