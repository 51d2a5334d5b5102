package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blah-code/blah-code/pkg/types"
)

// Covers invariant 6: listEvents must succeed and surface {raw: text} for a
// row whose payload text is not valid JSON, rather than aborting.
func TestListEventsSurfacesMalformedPayloadAsRaw(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.CreateSession()
	require.NoError(t, err)

	_, err = s.AppendEvent(sess.ID, types.EventError, map[string]any{"ok": true})
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE events SET payload = ? WHERE session_id = ?`, "{not valid json", sess.ID)
	require.NoError(t, err)

	events, err := s.ListEvents(sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "{not valid json", events[0].Payload["raw"])
}

func TestHasColumnDetectsSchemaEvolution(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	has, err := s.hasColumn("sessions", "name")
	require.NoError(t, err)
	assert.True(t, has, "migrate must have added the name column")

	has, err = s.hasColumn("sessions", "nonexistent")
	require.NoError(t, err)
	assert.False(t, has)
}
