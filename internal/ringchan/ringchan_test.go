package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannel_SendReportsDrop(t *testing.T) {
	rc := New[string](1)

	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"), "second send into full buffer MUST drop")

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, int64(1), rc.GetMetrics().Processed)
}

func TestRingChannel_Close(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(2), "send after close MUST be ignored")
	assert.Equal(t, int64(1), rc.GetMetrics().Errors)

	v, ok := rc.Receive()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = rc.Receive()
	assert.False(t, ok, "drained closed channel MUST report !ok")
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	m := rc.GetMetrics()
	assert.Equal(t, int64(800), m.Written)
	assert.Equal(t, int64(800-4), m.Overwritten)
	assert.Equal(t, 4, rc.Len())
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
