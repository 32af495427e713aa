package reactor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/daedaluz/gatmux/internal/reactor"
	"github.com/stretchr/testify/assert"
)

func TestPostRunsInOrder(t *testing.T) {
	t.Parallel()
	l := reactor.New(8)
	defer l.Close()

	var seq []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			seq = append(seq, i)
			if i == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seq)
}

func TestPostFromWithinJobIsServicedAfterCurrentJob(t *testing.T) {
	t.Parallel()
	l := reactor.New(1)
	defer l.Close()

	var count int32
	done := make(chan struct{})
	l.Post(func() {
		atomic.AddInt32(&count, 1)
		l.Post(func() {
			atomic.AddInt32(&count, 1)
			close(done)
		})
	})
	<-done
	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestCloseStopsAcceptingNewWorkEventually(t *testing.T) {
	t.Parallel()
	l := reactor.New(1)
	l.Close()
	// Post after Close must not block or panic.
	l.Post(func() {})
}
