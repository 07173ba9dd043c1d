// internal/browser/context_utils_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey string

func TestCombineContextCancelsOnEither(t *testing.T) {
	t.Run("SecondaryCancel", func(t *testing.T) {
		ctx1 := context.Background()
		ctx2, cancel2 := context.WithCancel(context.Background())

		combined, cancel := CombineContext(ctx1, ctx2)
		defer cancel()

		cancel2()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context not canceled after secondary cancel")
		}
	})

	t.Run("PrimaryCancel", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combined, cancel := CombineContext(ctx1, context.Background())
		defer cancel()

		cancel1()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context not canceled after primary cancel")
		}
	})

	t.Run("InheritsPrimaryValues", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), ctxKey("target"), "tab-1")
		combined, cancel := CombineContext(ctx1, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(ctxKey("target")))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = context.WithValue(parent, ctxKey("target"), "tab-1")

	detached := Detach(parent)
	cancel()

	// Values survive, cancellation does not propagate.
	assert.Equal(t, "tab-1", detached.Value(ctxKey("target")))
	require.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())

	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
}
