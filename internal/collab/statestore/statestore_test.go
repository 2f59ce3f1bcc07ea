package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/gophvault/internal/models"
)

func TestAppendPending(t *testing.T) {
	var log []models.PendingUpdate
	for v := int64(1); v <= 5; v++ {
		log = AppendPending(log, models.PendingUpdate{Version: v}, 3)
	}

	assert.Len(t, log, 3)
	assert.Equal(t, int64(3), log[0].Version)
	assert.Equal(t, int64(5), log[2].Version)
}

func TestAppendPending_DefaultLimit(t *testing.T) {
	var log []models.PendingUpdate
	for v := int64(0); v < DefaultPendingLimit+10; v++ {
		log = AppendPending(log, models.PendingUpdate{Version: v}, 0)
	}

	assert.Len(t, log, DefaultPendingLimit)
	assert.Equal(t, int64(10), log[0].Version)
}
