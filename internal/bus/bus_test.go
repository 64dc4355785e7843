package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type event struct {
	Ref string
}

func TestPublishReachesAllHandlers(t *testing.T) {
	b := New[event]()

	var got []string
	b.Subscribe(func(ctx context.Context, e event) error {
		got = append(got, "first:"+e.Ref)
		return nil
	})
	b.Subscribe(func(ctx context.Context, e event) error {
		got = append(got, "second:"+e.Ref)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), event{Ref: "a"}))
	require.Equal(t, []string{"first:a", "second:a"}, got)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	b := New[event]()
	boom := errors.New("boom")

	var reached bool
	b.Subscribe(func(ctx context.Context, e event) error { return boom })
	b.Subscribe(func(ctx context.Context, e event) error {
		reached = true
		return nil
	})

	err := b.Publish(context.Background(), event{Ref: "a"})
	require.ErrorIs(t, err, boom)
	require.False(t, reached)
}

func TestPublishWithoutHandlers(t *testing.T) {
	b := New[event]()
	require.NoError(t, b.Publish(context.Background(), event{Ref: "a"}))
}
