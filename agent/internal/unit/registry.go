// Package unit holds the capability registry: named executable units loaded
// from local storage or pushed remotely, verified against a content checksum
// before activation, and invoked as subprocesses with a JSON contract.
package unit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nimbus-agent/agent/internal/db"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/result"
)

var (
	// ErrMissingChecksum: remotely pushed code without a digest is refused.
	ErrMissingChecksum = errors.New("no checksum supplied")
	// ErrNoEntryPoint: a unit must start with an interpreter line ("#!").
	ErrNoEntryPoint = errors.New("missing interpreter line")
)

// IntegrityError reports a checksum mismatch between pushed code and the
// supplied digest.
type IntegrityError struct {
	Name string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("unit %s checksum mismatch: want %s, got %s", e.Name, e.Want, e.Got)
}

// Unit is one active capability handle. The name maps to exactly one handle;
// loading under an existing name replaces it.
type Unit struct {
	Name     string
	Path     string
	Checksum string
}

type Registry struct {
	mu      sync.RWMutex
	units   map[string]Unit
	dir     string
	timeout time.Duration
}

func NewRegistry(dir string, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Registry{units: make(map[string]Unit), dir: dir, timeout: timeout}
}

// LoadFromDisk scans the units directory and (re)activates every valid unit.
// Invalid candidates are skipped and logged, never fatal to the scan.
func (r *Registry) LoadFromDisk() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		logger.Errorf("Cannot read units directory %s: %v", r.dir, err)
		return nil
	}

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := r.loadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			logger.Errorf("Skipping unit %s: %v", entry.Name(), err)
			continue
		}
		loaded = append(loaded, name)
	}
	logger.Infof("Loaded %d unit(s) from %s: %v", len(loaded), r.dir, loaded)
	return loaded
}

// loadFile validates and activates a single on-disk unit.
func (r *Registry) loadFile(path string) (string, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := validateEntryPoint(code); err != nil {
		return "", err
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	r.register(Unit{Name: name, Path: path, Checksum: checksumHex(code)})
	return name, nil
}

// LoadFromSource activates code pushed by the control plane. The sha256 of
// code must match checksum; on mismatch nothing is activated or written.
// On success the code is persisted so the load survives a restart.
func (r *Registry) LoadFromSource(name string, code []byte, checksum string) error {
	if checksum == "" {
		return fmt.Errorf("unit %s: %w", name, ErrMissingChecksum)
	}
	if got := checksumHex(code); got != checksum {
		return &IntegrityError{Name: name, Want: checksum, Got: got}
	}
	if err := validateEntryPoint(code); err != nil {
		return fmt.Errorf("unit %s: %w", name, err)
	}

	path := filepath.Join(r.dir, name+".sh")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, code, 0o755); err != nil {
		return fmt.Errorf("persist unit %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist unit %s: %w", name, err)
	}

	r.register(Unit{Name: name, Path: path, Checksum: checksum})
	db.SaveUnitRecord(name, checksum)
	logger.Infof("Unit loaded: %s (%d bytes)", name, len(code))
	return nil
}

// Invoke runs a unit with the args map JSON-encoded on stdin and normalizes
// whatever comes back into a tagged result. It never raises past this
// boundary: every outcome is a success- or failure-tagged value.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (res result.Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Unit %s invocation panicked: %v", name, p)
			res = result.Errf(result.KindExecution, "unit %s: internal failure: %v", name, p)
		}
	}()

	r.mu.RLock()
	u, ok := r.units[name]
	r.mu.RUnlock()
	if !ok {
		available := r.List()
		return result.Errf(result.KindNotFound, "unit %q not found", name).
			With("unit", name).
			With("available", available)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return result.Errf(result.KindPayload, "unit %s: encode args: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, u.Path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return result.Errf(result.KindExecution, "unit %s failed: %s", name, msg)
	}

	return normalize(stdout.Bytes())
}

// normalize wraps a unit's raw output into the tagged result contract: a JSON
// object passes through (success defaults to true), anything else becomes a
// success result carrying the raw output.
func normalize(out []byte) result.Result {
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil || m == nil {
		return result.Ok(map[string]any{"output": strings.TrimSpace(string(out))})
	}

	success := true
	if v, ok := m["success"].(bool); ok {
		success = v
	}
	if success {
		return result.Result{Success: true, Data: m}
	}
	msg, _ := m["error"].(string)
	if msg == "" {
		msg = "unit reported failure"
	}
	return result.Result{Kind: result.KindExecution, Error: msg, Data: m}
}

// List returns the currently active unit names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) register(u Unit) {
	r.mu.Lock()
	r.units[u.Name] = u
	r.mu.Unlock()
}

// validateEntryPoint enforces the unit contract's single required entry
// point: the interpreter line at the top of the file.
func validateEntryPoint(code []byte) error {
	line, _, _ := bytes.Cut(code, []byte("\n"))
	if !bytes.HasPrefix(line, []byte("#!")) || len(bytes.TrimSpace(line)) <= 2 {
		return ErrNoEntryPoint
	}
	return nil
}

func checksumHex(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// Checksum exposes the content-hash used for unit verification.
func Checksum(code []byte) string { return checksumHex(code) }
