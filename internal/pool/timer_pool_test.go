package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerPool(t *testing.T) {
	t.Run("get and put", func(t *testing.T) {
		timer1 := GetTimer(time.Second)
		require.NotNil(t, timer1)

		PutTimer(timer1)

		timer2 := GetTimer(10 * time.Millisecond)
		require.NotNil(t, timer2)

		<-timer2.C
		PutTimer(timer2)
	})

	t.Run("reused timer does not fire early", func(t *testing.T) {
		timer1 := GetTimer(100 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)

		// Returned while still armed; the pool must disarm it.
		PutTimer(timer1)

		begin := time.Now()
		timer2 := GetTimer(300 * time.Millisecond)

		select {
		case tick := <-timer2.C:
			assert.GreaterOrEqual(t, tick.Sub(begin), 270*time.Millisecond,
				"pooled timer fired with a stale deadline")
		case <-time.After(400 * time.Millisecond):
			t.Error("pooled timer never fired")
		}
		PutTimer(timer2)
	})

	t.Run("concurrent use", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				timer := GetTimer(10 * time.Millisecond)
				defer PutTimer(timer)
				<-timer.C
			}()
		}
		wg.Wait()
	})
}
