package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedQuery struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func queryServer(t *testing.T, respond func(recordedQuery) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q recordedQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond(q)))
	}))
}

func TestPendingCommands(t *testing.T) {
	srv := queryServer(t, func(q recordedQuery) string {
		require.Equal(t, "agent-1", q.Variables["agentId"])
		return `{"data":{"getPendingCommands":[{"id":4,"command":{"type":"ping"},"priority":1}]}}`
	})
	defer srv.Close()

	cmds, err := New(srv.URL).PendingCommands(context.Background(), "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, int64(4), cmds[0].ID)
	require.JSONEq(t, `{"type":"ping"}`, string(cmds[0].Command))
}

func TestPendingCommandsStringPayload(t *testing.T) {
	// backends that store the command body as a JSON string
	srv := queryServer(t, func(recordedQuery) string {
		return `{"data":{"getPendingCommands":[{"id":5,"command":"{\"type\":\"ping\"}","priority":0}]}}`
	})
	defer srv.Close()

	cmds, err := New(srv.URL).PendingCommands(context.Background(), "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, `"{\"type\":\"ping\"}"`, string(cmds[0].Command))
}

func TestQueryErrorsSurface(t *testing.T) {
	srv := queryServer(t, func(recordedQuery) string {
		return `{"errors":[{"message":"agent not registered"}]}`
	})
	defer srv.Close()

	_, err := New(srv.URL).PendingCommands(context.Background(), "agent-1", 10)
	require.ErrorContains(t, err, "agent not registered")
}

func TestLatestAgentVersionNone(t *testing.T) {
	srv := queryServer(t, func(recordedQuery) string {
		return `{"data":{"getAgentUpdate":null}}`
	})
	defer srv.Close()

	info, err := New(srv.URL).LatestAgentVersion(context.Background(), "2.1.0")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestUpdateStatusSendsResult(t *testing.T) {
	var got recordedQuery
	srv := queryServer(t, func(q recordedQuery) string {
		got = q
		return `{"data":{"updateCommandStatus":{"id":9}}}`
	})
	defer srv.Close()

	err := New(srv.URL).UpdateStatus(context.Background(), 9, "done", map[string]any{"success": true})
	require.NoError(t, err)
	require.Equal(t, float64(9), got.Variables["id"])
	require.Equal(t, "done", got.Variables["status"])
}

func TestReportHeartbeat(t *testing.T) {
	var got recordedQuery
	srv := queryServer(t, func(q recordedQuery) string {
		got = q
		return `{"data":{"reportHeartbeat":true}}`
	})
	defer srv.Close()

	err := New(srv.URL).ReportHeartbeat(context.Background(), "agent-1", "2.1.0", "online", "10.0.0.5", "host-a")
	require.NoError(t, err)
	require.Equal(t, "online", got.Variables["status"])
	require.Equal(t, "host-a", got.Variables["hostname"])
}
