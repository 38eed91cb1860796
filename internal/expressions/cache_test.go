package expressions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramCache_EvictsOldest(t *testing.T) {
	var compiles atomic.Int32
	c := newProgramCache(2, func(s string) (string, error) {
		compiles.Add(1)
		return "compiled:" + s, nil
	})

	for _, expr := range []string{"a", "b", "a", "c"} {
		_, err := c.get(expr)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.len())
	assert.EqualValues(t, 3, compiles.Load())

	// "b" was least recently used.
	_, err := c.get("b")
	require.NoError(t, err)
	assert.EqualValues(t, 4, compiles.Load())
}

func TestProgramCache_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	c := newProgramCache(0, func(string) (int, error) {
		calls++
		return 0, errors.New("bad")
	})
	_, err := c.get("x")
	assert.Error(t, err)
	_, err = c.get("x")
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.len())
}

func TestProgramCache_ConcurrentMissesCompileOnce(t *testing.T) {
	var compiles atomic.Int32
	release := make(chan struct{})
	c := newProgramCache(4, func(s string) (string, error) {
		compiles.Add(1)
		<-release
		return s, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.get("same")
			assert.NoError(t, err)
			assert.Equal(t, "same", v)
		}()
	}
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, compiles.Load(), int32(8))
	assert.Equal(t, 1, c.len())
}
