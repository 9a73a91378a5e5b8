package result

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalFlattensPayload(t *testing.T) {
	r := Ok(map[string]any{"old_version": "2.1.0", "new_version": "3.0.0"})

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, true, m["success"])
	require.Equal(t, "2.1.0", m["old_version"])
	require.Equal(t, "3.0.0", m["new_version"])
	require.NotContains(t, m, "error")
}

func TestMarshalErr(t *testing.T) {
	r := Errf(KindIntegrity, "checksum mismatch: want %s", "abc")

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, false, m["success"])
	require.Equal(t, "checksum mismatch: want abc", m["error"])
	require.Equal(t, "integrity", m["error_kind"])
}

func TestWith(t *testing.T) {
	r := Err(KindUpdateStage, "backup failed").With("stage", "backup")
	require.Equal(t, "backup", r.Data["stage"])
}
