package waitress_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/waitress"
)

func TestFlushExecutesEachCallExactlyOnce(t *testing.T) {
	q := waitress.New(2)
	q.Push(0, "send", "fd:3", []byte("hi"))
	q.Push(1, "send", "fd:3", []byte("hi"))

	var executed []string
	err := q.Flush(func(tag string, args []any) error {
		executed = append(executed, tag)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, []string{"send"}, executed)
}

func TestFlushDetectsArgumentDivergence(t *testing.T) {
	q := waitress.New(2)
	q.Push(0, "send", "fd:3", []byte("hi"))
	q.Push(1, "send", "fd:3", []byte("bye"))

	err := q.Flush(func(tag string, args []any) error { return nil })
	require.ErrorIs(t, err, waitress.ErrDiverged)
}

func TestFlushDetectsCountDivergence(t *testing.T) {
	q := waitress.New(2)
	q.Push(0, "send", "fd:3")
	q.Push(0, "close", "fd:3")
	q.Push(1, "send", "fd:3")

	err := q.Flush(func(tag string, args []any) error { return nil })
	require.ErrorIs(t, err, waitress.ErrDiverged)
}

func TestFlushPropagatesCallError(t *testing.T) {
	q := waitress.New(1)
	q.Push(0, "send", "fd:3")

	boom := errors.New("boom")
	err := q.Flush(func(tag string, args []any) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestCleanResetsQueue(t *testing.T) {
	q := waitress.New(2)
	q.Push(0, "send")
	require.Equal(t, 1, q.Len())

	q.Clean()
	require.Equal(t, 0, q.Len())
}
