package apperror_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxford/conference/pkg/apperror"
)

func TestWrapPreservesCauseAndKind(t *testing.T) {
	cause := errors.New("boom")
	wrapped := apperror.Wrap(cause, apperror.KindDatabase, "query failed")

	require.Error(t, wrapped)
	assert.Equal(t, apperror.KindDatabase, apperror.KindOf(wrapped))
	assert.True(t, apperror.Is(wrapped, apperror.KindDatabase))
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, apperror.Wrap(nil, apperror.KindDatabase, "unused"))
}

func TestHTTPStatusMapsKnownKinds(t *testing.T) {
	cases := map[apperror.Kind]int{
		apperror.KindNotFound:           http.StatusNotFound,
		apperror.KindInvalidInput:       http.StatusBadRequest,
		apperror.KindBackendUnavailable: http.StatusServiceUnavailable,
	}
	for kind, status := range cases {
		err := apperror.New(kind, "title")
		assert.Equal(t, status, apperror.HTTPStatus(err))
	}
}

func TestHTTPStatusDefaultsToInternalForUnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, apperror.HTTPStatus(errors.New("plain")))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, apperror.KindInternal, apperror.KindOf(errors.New("plain")))
}
