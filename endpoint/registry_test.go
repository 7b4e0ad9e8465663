package endpoint

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShared(t *testing.T) {
	const key = "https://shared.example.com"
	t.Cleanup(func() { Forget(key) })

	created := 0
	factory := func() (*Manager, error) {
		created++
		return NewManager(Config{DefaultEndpoint: key}, nil)
	}

	first, err := Shared(key, factory)
	require.NoError(t, err)
	second, err := Shared(key, factory)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, created)

	Forget(key)
	third, err := Shared(key, factory)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, created)
}

func TestShared_FactoryError(t *testing.T) {
	const key = "https://failing.example.com"
	t.Cleanup(func() { Forget(key) })

	boom := errors.New("boom")
	m, err := Shared(key, func() (*Manager, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Nil(t, m)

	m, err = Shared(key, func() (*Manager, error) {
		return NewManager(Config{DefaultEndpoint: key}, nil)
	})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestShared_Concurrent(t *testing.T) {
	r := &registry{managers: make(map[string]*Manager)}

	var (
		mu      sync.Mutex
		created int
		wg      sync.WaitGroup
	)
	results := make([]*Manager, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.getOrCreate("k", func() (*Manager, error) {
				mu.Lock()
				created++
				mu.Unlock()
				return NewManager(Config{DefaultEndpoint: "https://k.example.com"}, nil)
			})
			assert.NoError(t, err)
			results[i] = m
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, m := range results {
		assert.Same(t, results[0], m)
	}

	r.forget("k")
	r.forget("k")
	assert.Empty(t, r.managers)
}
