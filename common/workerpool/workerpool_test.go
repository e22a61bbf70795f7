package workerpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolBasic(t *testing.T) {
	require := require.New(t)

	pool := New("test")
	pool.Resize(4)
	defer pool.Stop()

	var counter uint64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := <-pool.Submit(func() error {
				atomic.AddUint64(&counter, 1)
				return nil
			})
			require.NoError(err, "Submit")
		}()
	}
	wg.Wait()
	require.EqualValues(32, atomic.LoadUint64(&counter), "all jobs should have run")

	// Failures are propagated to the submitter.
	jobErr := fmt.Errorf("job failure")
	err := <-pool.Submit(func() error { return jobErr })
	require.Equal(jobErr, err, "job error should be propagated")
}

func TestPoolStop(t *testing.T) {
	require := require.New(t)

	pool := New("test-stop")
	pool.Resize(1)
	pool.Stop()

	select {
	case <-pool.Quit():
	default:
		t.Fatal("Quit channel should be closed after Stop")
	}

	err := <-pool.Submit(func() error { return nil })
	require.Equal(ErrPoolStopped, err, "Submit after Stop")
}
