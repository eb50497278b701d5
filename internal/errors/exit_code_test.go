package errors

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestGetExitCode(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, 0, GetExitCode(nil))
	})

	t.Run("plain error defaults to one", func(t *testing.T) {
		assert.Equal(t, 1, GetExitCode(errors.New("boom")))
	})

	t.Run("attached code survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", WithExitCode(ErrInvalidPipeline, 3))
		assert.Equal(t, 3, GetExitCode(err))
		assert.ErrorIs(t, err, ErrInvalidPipeline)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, WithExitCode(nil, 5))
	})
}
