package locks

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestLockIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done // must not deadlock while "a" is held
	unlockA()
}

func TestLockPairOrderIndependent(t *testing.T) {
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	var n int
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := km.LockPair("x", "y")
			n++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := km.LockPair("y", "x")
			n++
			unlock()
		}()
	}
	wg.Wait()
	if n != 40 {
		t.Errorf("n = %d, want 40", n)
	}
}

func TestLockPairEqualKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.LockPair("same", "same")
	unlock() // must not panic or double-unlock
}
