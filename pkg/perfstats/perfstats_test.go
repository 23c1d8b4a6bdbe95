package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(3 * time.Millisecond)
	a.AddSample(1 * time.Millisecond)
	a.AddSample(5 * time.Millisecond)
	require.Equal(t, int64(3), a.Samples)
	require.Equal(t, 3*time.Millisecond, a.Average())
	require.Equal(t, time.Millisecond, a.Min)
	require.Equal(t, 5*time.Millisecond, a.Max)
	s := a.Summary()
	require.Equal(t, 3.0, s.AverageMS)
	require.Equal(t, 1.0, s.MinMS)
	a.Reset()
	require.Equal(t, int64(0), a.Samples)
	require.Equal(t, time.Duration(0), a.Max)
}

func TestSyncTimeAccumulator(t *testing.T) {
	a := SyncTimeAccumulator{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.AddSample(time.Microsecond)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1000), a.Get().Samples)
	require.Equal(t, time.Millisecond, a.Get().Total)
}
