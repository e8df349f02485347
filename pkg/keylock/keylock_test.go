package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("account-1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Equal(t, 0, l.Len())
}

func TestLockIndependentKeys(t *testing.T) {
	l := New()

	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()

	require.Equal(t, 0, l.Len())
}
