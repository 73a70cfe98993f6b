package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	var err error = ErrNotFound("device media_player.x not found")
	assert.Equal(t, "device media_player.x not found", err.Error())

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 404, appErr.Status)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	data, err := json.Marshal(appErr)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "404", "status must not leak into the body")
}

func TestSessionEventJSON(t *testing.T) {
	data, err := json.Marshal(SessionEvent{DeviceID: "media_player.a", State: SessionPlaying})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"playing"`)
	assert.NotContains(t, string(data), "session_id")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "media_player_kitchen", Slug("media_player.kitchen"))
	assert.Equal(t, "a_b_c", Slug("a/b c"))
	assert.Equal(t, "plain-id_1", Slug("plain-id_1"))
}
