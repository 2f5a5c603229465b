package multimutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutexSerialisesPerKey(t *testing.T) {
	t.Parallel()

	var (
		m       = NewMutex[string]()
		wg      sync.WaitGroup
		counter = make(map[string]int)
		keys    = []string{"a", "b", "c"}
	)

	// Each key's counter is only touched while holding that key's lock,
	// distinct keys share nothing else.
	var mapMtx sync.Mutex
	for _, key := range keys {
		mapMtx.Lock()
		counter[key] = 0
		mapMtx.Unlock()
	}

	for i := 0; i < 100; i++ {
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()

				m.Lock(key)
				defer m.Unlock(key)

				mapMtx.Lock()
				v := counter[key]
				mapMtx.Unlock()

				mapMtx.Lock()
				counter[key] = v + 1
				mapMtx.Unlock()
			}(key)
		}
	}
	wg.Wait()

	for _, key := range keys {
		require.Equal(t, 100, counter[key])
	}
	require.Zero(t, m.Len())
}

func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	m := NewMutex[int]()
	m.Lock(1)
	m.Unlock(1)

	require.Panics(t, func() {
		m.Unlock(1)
	})
}
