package realtimeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := New(KindNotFound, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestKindOf_UnclassifiedError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestWrap_PreservesCauseForUnwrapOnly(t *testing.T) {
	cause := errors.New("db exploded")
	err := Wrap(KindInternal, "safe message", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.NotContains(t, err.Error(), "safe message db exploded")
	assert.Contains(t, err.Error(), "safe message")
	assert.Contains(t, err.Error(), "db exploded")
}

func TestInternal_AlwaysKindInternal(t *testing.T) {
	err := Internal(errors.New("whatever"))
	assert.Equal(t, KindInternal, err.Kind)
}
