package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxford/conference/pkg/signaling"
)

func TestStreamCallbackParsesWaitlistID(t *testing.T) {
	id, err := signaling.ParseWaitlistID("wl:42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}

func TestStreamCallbackRejectsMissingPrefix(t *testing.T) {
	_, err := signaling.ParseWaitlistID("42")
	assert.Error(t, err)
}

func TestStreamCallbackRejectsNonNumericID(t *testing.T) {
	_, err := signaling.ParseWaitlistID("wl:not-a-number")
	assert.Error(t, err)
}
