package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"nimbus-agent/agent/internal/result"
)

// Command lifecycle statuses. Terminal states are final: an id is never
// reported past its terminal state twice.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Envelope is one unit of remote work. Command holds the body, either as a
// JSON object or as a JSON string requiring a secondary parse.
type Envelope struct {
	ID       int64           `json:"id"`
	Command  json.RawMessage `json:"command"`
	Priority int             `json:"priority,omitempty"`
}

// decodeBody unwraps the command body into its parameter map. Backends that
// store the payload as a string get a second parse.
func decodeBody(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty command body")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = []byte(inner)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func strParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// HandlerFunc executes one built-in operation.
type HandlerFunc func(ctx context.Context, d *Dispatcher, params map[string]any) result.Result

// registry maps command type to handler.
var registry = map[string]HandlerFunc{}

func Register(name string, h HandlerFunc) { registry[name] = h }

func lookup(name string) (HandlerFunc, bool) { h, ok := registry[name]; return h, ok }
