// Package update implements the self-update protocol: obtain a candidate
// build, verify its checksum, back up the current on-disk code, write the
// replacement, and schedule a managed restart.
package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"nimbus-agent/agent/internal/controlplane"
	"nimbus-agent/agent/internal/logger"
	"nimbus-agent/agent/internal/result"
)

// Protocol stages, in order. Any failure before StageWrite leaves the
// on-disk code byte-for-byte unchanged.
const (
	StageFetch  = "fetch"
	StageVerify = "verify"
	StageBackup = "backup"
	StageWrite  = "write"
)

// ErrMissingChecksum: a candidate without a digest is refused outright.
var ErrMissingChecksum = errors.New("no checksum supplied")

// StageError tags a failure with the protocol stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Source answers the control plane's latest-version query.
type Source interface {
	LatestAgentVersion(ctx context.Context, current string) (*controlplane.UpdateInfo, error)
}

// Restarter is the platform service-lifecycle collaborator that brings the
// replaced code up.
type Restarter interface {
	Restart() error
}

// Candidate is a transient update build, consumed once.
type Candidate struct {
	Version      string
	Code         []byte
	Checksum     string
	ReleaseNotes string
}

// Options select where the candidate comes from. A direct URL requires an
// accompanying checksum; otherwise the control plane supplies one.
type Options struct {
	URL      string
	Checksum string
	Force    bool
}

type Engine struct {
	codePath     string
	version      string
	src          Source
	restarter    Restarter
	restartDelay time.Duration
	hc           *http.Client

	mu sync.Mutex // one update at a time
}

func NewEngine(codePath, version string, src Source, restarter Restarter) *Engine {
	return &Engine{
		codePath:     codePath,
		version:      version,
		src:          src,
		restarter:    restarter,
		restartDelay: 2 * time.Second,
		hc:           &http.Client{Timeout: 30 * time.Second},
	}
}

// BackupPath is the single-generation recovery artifact written before any
// code replacement.
func (e *Engine) BackupPath() string { return e.codePath + ".backup" }

// Check asks the control plane for a newer build; nil means up to date.
func (e *Engine) Check(ctx context.Context) (*controlplane.UpdateInfo, error) {
	return e.src.LatestAgentVersion(ctx, e.version)
}

// Apply runs the full protocol. The terminal result is returned before the
// restart fires so the status report reaches the control plane first.
func (e *Engine) Apply(ctx context.Context, opts Options) result.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger.Infof("Self-update started (current version %s)", e.version)

	cand, err := e.candidate(ctx, opts)
	if err != nil {
		return stageResult(err)
	}
	if cand == nil {
		logger.Info("No update available")
		return result.Ok(map[string]any{
			"message":         "no update available",
			"current_version": e.version,
		})
	}
	if cand.Version == e.version && !opts.Force {
		logger.Infof("Already at latest version %s", e.version)
		return result.Ok(map[string]any{
			"message":         fmt.Sprintf("already at latest version %s", e.version),
			"current_version": e.version,
		})
	}

	if err := verify(cand); err != nil {
		return stageResult(err)
	}

	current, err := e.writeBackup()
	if err != nil {
		return stageResult(err)
	}

	if err := durableWrite(e.codePath, cand.Code, 0o755); err != nil {
		// write already began; the backup is the recovery artifact
		return stageResult(&StageError{Stage: StageWrite, Err: err})
	}

	logger.Infof("Update applied: %s -> %s (%d bytes replaced %d bytes)",
		e.version, cand.Version, len(cand.Code), len(current))
	e.scheduleRestart()

	return result.Ok(map[string]any{
		"message":       fmt.Sprintf("updated from %s to %s", e.version, cand.Version),
		"old_version":   e.version,
		"new_version":   cand.Version,
		"release_notes": cand.ReleaseNotes,
		"restarting":    true,
	})
}

// candidate obtains the update build. nil with nil error means up to date.
func (e *Engine) candidate(ctx context.Context, opts Options) (*Candidate, error) {
	if opts.URL != "" {
		code, err := Fetch(ctx, e.hc, opts.URL)
		if err != nil {
			return nil, &StageError{Stage: StageFetch, Err: err}
		}
		return &Candidate{
			Version:  ExtractVersion(code),
			Code:     code,
			Checksum: opts.Checksum,
		}, nil
	}

	info, err := e.src.LatestAgentVersion(ctx, e.version)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Err: err}
	}
	if info == nil {
		return nil, nil
	}
	return &Candidate{
		Version:      info.Version,
		Code:         []byte(info.Code),
		Checksum:     info.Checksum,
		ReleaseNotes: info.ReleaseNotes,
	}, nil
}

func verify(cand *Candidate) error {
	if cand.Checksum == "" {
		return &StageError{Stage: StageVerify, Err: ErrMissingChecksum}
	}
	sum := sha256.Sum256(cand.Code)
	if got := hex.EncodeToString(sum[:]); got != cand.Checksum {
		return &StageError{
			Stage: StageVerify,
			Err:   fmt.Errorf("checksum mismatch: want %s, got %s", cand.Checksum, got),
		}
	}
	return nil
}

// writeBackup durably copies the current code aside and returns its bytes.
func (e *Engine) writeBackup() ([]byte, error) {
	current, err := os.ReadFile(e.codePath)
	if err != nil {
		return nil, &StageError{Stage: StageBackup, Err: fmt.Errorf("read current code: %w", err)}
	}
	if err := durableWrite(e.BackupPath(), current, 0o644); err != nil {
		return nil, &StageError{Stage: StageBackup, Err: err}
	}
	logger.Infof("Backup written: %s", e.BackupPath())
	return current, nil
}

// durableWrite replaces path with data and fsyncs before returning.
func durableWrite(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *Engine) scheduleRestart() {
	logger.Infof("Restart scheduled in %v", e.restartDelay)
	time.AfterFunc(e.restartDelay, func() {
		if err := e.restarter.Restart(); err != nil {
			logger.Errorf("Restart failed: %v", err)
		}
	})
}

// stageResult converts a stage-tagged error into the command result,
// carrying the failing stage so the control plane can diagnose it.
func stageResult(err error) result.Result {
	var serr *StageError
	if !errors.As(err, &serr) {
		return result.Errf(result.KindUpdateStage, "update failed: %v", err)
	}
	kind := result.KindUpdateStage
	if serr.Stage == StageVerify {
		kind = result.KindIntegrity
	}
	return result.Errf(kind, "update %s failed: %v", serr.Stage, serr.Err).
		With("stage", serr.Stage)
}

// Fetch downloads candidate code from a direct URL.
func Fetch(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ExtractVersion scans candidate code for its release marker line,
// `VERSION = "x.y.z"`, embedded by the release build.
func ExtractVersion(code []byte) string {
	for _, line := range bytes.Split(code, []byte("\n")) {
		text := strings.TrimSpace(string(line))
		if !strings.HasPrefix(text, "VERSION = ") {
			continue
		}
		parts := strings.Split(text, `"`)
		if len(parts) >= 2 {
			return parts[1]
		}
	}
	return "unknown"
}
