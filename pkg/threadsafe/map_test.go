package threadsafe_test

import (
	"sync"
	"testing"

	"github.com/st3v3nmw/bootfuzz/pkg/threadsafe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	m := threadsafe.NewMap[int, string]()

	m.Set(1, "one")
	got, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "one", got)

	held, stored := m.SetIfAbsent(1, "uno")
	assert.False(t, stored)
	assert.Equal(t, "one", held)

	held, stored = m.SetIfAbsent(2, "two")
	assert.True(t, stored)
	assert.Equal(t, "two", held)
	assert.Equal(t, 2, m.Len())

	assert.False(t, m.CompareAndDelete(2, func(v string) bool { return v == "dos" }))
	assert.True(t, m.CompareAndDelete(2, func(v string) bool { return v == "two" }))

	old, ok := m.Delete(1)
	assert.True(t, ok)
	assert.Equal(t, "one", old)
	assert.Equal(t, 0, m.Len())
}

func TestMapUpdate(t *testing.T) {
	m := threadsafe.NewMap[string, int]()

	keepMax := func(v int) func(int, bool) int {
		return func(current int, ok bool) int {
			if ok && current > v {
				return current
			}
			return v
		}
	}

	assert.Equal(t, 3, m.Update("node", keepMax(3)))
	assert.Equal(t, 3, m.Update("node", keepMax(2)))
	assert.Equal(t, 5, m.Update("node", keepMax(5)))

	got, ok := m.Get("node")
	require.True(t, ok)
	assert.Equal(t, 5, got)
}

func TestMapConcurrentWriters(t *testing.T) {
	m := threadsafe.NewMap[int, int]()

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(i, i*i)
		}()
	}
	wg.Wait()

	sum := 0
	m.Range(func(_ int, v int) bool {
		sum += v
		return true
	})

	want := 0
	for i := range 64 {
		want += i * i
	}
	assert.Equal(t, want, sum)
}
