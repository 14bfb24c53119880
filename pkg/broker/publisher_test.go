package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicScheme(t *testing.T) {
	assert.Equal(t, "rooms/room-1/events", Topic("room-1"))
}
