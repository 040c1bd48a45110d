package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequence_AdvanceAndOpenView(t *testing.T) {
	s := NewSequence()
	s.Restore(1, 5)
	require.Equal(t, Position{View: 1, Seq: 6}, s.Peek())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Advance()
		}()
	}
	wg.Wait()
	require.Equal(t, Position{View: 1, Seq: 15}, s.Current())

	s.OpenView(2)
	require.Equal(t, Position{View: 2, Seq: 0}, s.Current())
	require.Equal(t, Position{View: 2, Seq: 1}, s.Advance())
}

func TestManualAndOffset(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)
	m.Advance(time.Second)
	require.Equal(t, start.Add(time.Second), m.Now())

	o := Offset{Base: m, Delta: -time.Minute}
	require.Equal(t, start.Add(time.Second-time.Minute), o.Now())
}
