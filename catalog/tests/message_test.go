package tests

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkMessageRead(t *testing.T) {
	env := setupTestEnv(t)
	seeded := seedCatalog(t, env)

	staff, err := env.seededClient("staff1@trapper.pl", "staff1")
	require.NoError(t, err)
	owner, err := env.seededClient("admin1@trapper.pl", "admin1")
	require.NoError(t, err)
	other, err := env.seededClient("user1@gmail.com", "user1")
	require.NoError(t, err)

	res, err := staff.requestCollection(seeded.Collections["Spring2013_Vid_Aud"].String(), map[string]interface{}{"project_id": seeded.ProjectId})
	require.NoError(t, err)

	// Only the recipient marks a message read, the sender included.
	err = staff.markRead(res.MessageId)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = other.markRead(res.MessageId)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = owner.markRead(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	require.NoError(t, owner.markRead(res.MessageId))

	inbox, err := owner.inbox()
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.True(t, inbox[0].Read)

	otherInbox, err := other.inbox()
	require.NoError(t, err)
	assert.Empty(t, otherInbox)

	anonymous := env.newClient()
	_, err = anonymous.inbox()
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))
}
