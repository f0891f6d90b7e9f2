package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiesWrappedErrors(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(Validation("bad input")))
	require.Equal(t, KindUnavailable, KindOf(Unavailable("l1", errors.New("timeout"))))
	require.Equal(t, KindRateLimited, KindOf(RateLimited("openai", errors.New("429"))))
	require.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}

func TestErrorMessageIncludesTierWhenSet(t *testing.T) {
	err := Unavailable("l2", errors.New("connection refused"))
	require.Equal(t, "l2: connection refused", err.Error())

	bare := Validation("missing header")
	require.Equal(t, "missing header", bare.Error())
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	underlying := errors.New("boom")
	err := New(KindInternal, "", underlying)
	require.ErrorIs(t, err, underlying)
}
