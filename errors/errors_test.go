package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Equal(t, "wrapped: original", wrapped.Error())
	assert.True(t, Is(wrapped, original))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestWithDetailSurvivesWrapping(t *testing.T) {
	err := WithDetail(New("claim failed"), "Job ID: j-1")
	err = Wrap(err, "dispatcher tick")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: j-1", details[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestSentinels(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		err := NewNotFoundError("job %s", "abc")
		assert.True(t, IsNotFoundError(err))
		assert.False(t, IsConflictError(err))
		assert.Contains(t, err.Error(), "job abc")
	})

	t.Run("invalid request", func(t *testing.T) {
		err := Wrap(NewInvalidRequestError("bad cron %q", "* *"), "submit schedule")
		assert.True(t, IsInvalidRequestError(err))
	})

	t.Run("conflict", func(t *testing.T) {
		assert.True(t, IsConflictError(NewConflictError("dependency cycle")))
	})

	t.Run("nil is nothing", func(t *testing.T) {
		assert.False(t, IsNotFoundError(nil))
		assert.False(t, IsServiceUnavailableError(nil))
	})
}

func TestMarkKeepsMessage(t *testing.T) {
	base := New("connection refused")
	marked := Mark(base, ErrServiceUnavailable)

	assert.Equal(t, "connection refused", marked.Error())
	assert.True(t, IsServiceUnavailableError(marked))
	assert.True(t, Is(marked, base))
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to open store")
	fmt.Println(err)
	// Output: failed to open store: connection failed
}
