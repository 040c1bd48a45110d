package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListener_HandlesInOrder(t *testing.T) {
	in := make(chan int, 10)
	var got []int
	done := make(chan struct{})

	l := New(in, func(v int) error {
		got = append(got, v)
		if v == 3 {
			close(done)
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2
	in <- 3

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not consume input")
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestListener_CrashReported(t *testing.T) {
	in := make(chan int, 1)
	crashed := make(chan error, 1)

	l := New(in, func(int) error {
		return errors.New("disk gone")
	}, func(err error) {
		crashed <- err
	})
	l.Start(context.Background())

	in <- 1

	select {
	case err := <-crashed:
		require.ErrorContains(t, err, "disk gone")
	case <-time.After(time.Second):
		t.Fatal("crash was not reported")
	}

	l.Stop()
	l.Stop()
}
