package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionCounters(t *testing.T) {
	s := New()
	assert.NotEmpty(t, s.ID)

	s.RecordTransaction(false)
	s.RecordTransaction(true)
	s.RecordTransaction(true)
	s.RecordDropped()
	s.RecordFindings(3)
	s.RecordFindings(0)
	s.RecordFindings(-1)

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.HTTPTotal)
	assert.Equal(t, int64(2), snap.HTTPSTotal)
	assert.Equal(t, int64(1), snap.DroppedTotal)
	assert.Equal(t, int64(3), snap.FindingsTotal)
	assert.False(t, snap.Closed)
}

func TestSessionCloseFreezesClock(t *testing.T) {
	s := New()
	s.Close()
	elapsed := s.Snapshot().Elapsed

	time.Sleep(20 * time.Millisecond)
	later := s.Snapshot()
	assert.True(t, later.Closed)
	assert.Equal(t, elapsed, later.Elapsed)

	// Close is idempotent.
	s.Close()
	assert.Equal(t, elapsed, s.Snapshot().Elapsed)
}

func TestSessionConcurrentUpdates(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordTransaction(j%2 == 0)
				s.RecordFindings(1)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(1000), snap.HTTPTotal+snap.HTTPSTotal)
	assert.Equal(t, int64(1000), snap.FindingsTotal)
}
