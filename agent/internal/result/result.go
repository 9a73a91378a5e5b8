// Package result defines the single tagged outcome type every agent
// operation returns: Ok with a payload, or Err with a kind and message.
package result

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a failure so the control plane can diagnose it
// without server-side log access.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindIntegrity   Kind = "integrity"
	KindPayload     Kind = "payload"
	KindNotFound    Kind = "not_found"
	KindLoad        Kind = "load"
	KindUpdateStage Kind = "update_stage"
	KindExecution   Kind = "execution"
)

type Result struct {
	Success bool
	Kind    Kind
	Error   string
	Data    map[string]any
}

func Ok(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

func Err(kind Kind, msg string) Result {
	return Result{Kind: kind, Error: msg}
}

func Errf(kind Kind, format string, v ...any) Result {
	return Result{Kind: kind, Error: fmt.Sprintf(format, v...)}
}

// With attaches an extra payload field and returns the updated result.
func (r Result) With(key string, v any) Result {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data[key] = v
	return r
}

// MarshalJSON flattens Data into the top-level object so the control plane
// always sees {"success": ..., "error": ..., <payload fields>}.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Data)+3)
	for k, v := range r.Data {
		m[k] = v
	}
	m["success"] = r.Success
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Kind != "" {
		m["error_kind"] = string(r.Kind)
	}
	return json.Marshal(m)
}
