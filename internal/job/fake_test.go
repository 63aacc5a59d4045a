package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sutaakar/topsail/internal/config"
	"github.com/sutaakar/topsail/internal/testutil"
)

// fakeRuntime records every unit it hands out. Hooks inject failures.
type fakeRuntime struct {
	mu    sync.Mutex
	units []*fakeUnit

	acquired atomic.Int64
	released atomic.Int64
	running  testutil.Gauge

	// acquire may fail; returning partial=true still hands back a unit.
	acquire func(spec UnitSpec) (partial bool, err error)
	exec    func(u *fakeUnit, req ExecRequest) (int, error)
	copy    func(u *fakeUnit) error

	// files are written into destDir by CopyFrom.
	files map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{files: map[string]string{"junit.xml": "<testsuite/>"}}
}

func (r *fakeRuntime) Acquire(_ context.Context, spec UnitSpec) (Unit, error) {
	r.acquired.Add(1)
	u := &fakeUnit{rt: r, spec: spec}

	if r.acquire != nil {
		partial, err := r.acquire(spec)
		if err != nil {
			if !partial {
				return nil, err
			}
			r.track(u)
			return u, err
		}
	}
	r.track(u)
	return u, nil
}

func (r *fakeRuntime) track(u *fakeUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
}

func (r *fakeRuntime) ReadSecret(context.Context, string, string, string) ([]byte, error) {
	return nil, errors.New("no secrets")
}

func (r *fakeRuntime) Ready(context.Context) error { return nil }
func (r *fakeRuntime) Close() error                { return nil }

func (r *fakeRuntime) unit(name string) *fakeUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.units {
		if u.spec.Name == name {
			return u
		}
	}
	return nil
}

func (r *fakeRuntime) allUnits() []*fakeUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeUnit(nil), r.units...)
}

type fakeUnit struct {
	rt   *fakeRuntime
	spec UnitSpec

	mu       sync.Mutex
	execs    []ExecRequest
	releases atomic.Int64
}

func (u *fakeUnit) Name() string { return u.spec.Name }

func (u *fakeUnit) Exec(_ context.Context, req ExecRequest) (int, error) {
	u.mu.Lock()
	u.execs = append(u.execs, req)
	u.mu.Unlock()

	defer u.rt.running.Enter()()

	if u.rt.exec != nil {
		return u.rt.exec(u, req)
	}
	if req.Stdout != nil {
		_, _ = io.WriteString(req.Stdout, "ok\n")
	}
	return 0, nil
}

func (u *fakeUnit) CopyFrom(_ context.Context, _, destDir string) error {
	if u.rt.copy != nil {
		if err := u.rt.copy(u); err != nil {
			return err
		}
	}
	for name, content := range u.rt.files {
		path := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (u *fakeUnit) Release(context.Context) error {
	u.releases.Add(1)
	u.rt.released.Add(1)
	return nil
}

func (u *fakeUnit) commands() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.execs))
	for _, req := range u.execs {
		out = append(out, req.Command)
	}
	return out
}

func (u *fakeUnit) lastExec() ExecRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.execs[len(u.execs)-1]
}

// fakeSink stores uploaded keys and the files found in each uploaded dir.
type fakeSink struct {
	mu      sync.Mutex
	uploads map[string][]string
	err     error
}

func (s *fakeSink) Upload(_ context.Context, key, dir string) error {
	if s.err != nil {
		return s.err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = map[string][]string{}
	}
	if _, dup := s.uploads[key]; dup {
		return fmt.Errorf("key %s uploaded twice", key)
	}
	s.uploads[key] = names
	return nil
}

type fakeSignal struct {
	mu     sync.Mutex
	resets []string
	closed bool
	err    error
}

func (s *fakeSignal) Reset(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, runID)
	return s.err
}

func (s *fakeSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeProm struct {
	calls atomic.Int64
	err   error
}

func (p *fakeProm) Snapshot(context.Context) (string, error) {
	n := p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("snapshot-%d", n), nil
}

func testConfig(artifactDir string) *config.RunnerConfig {
	return &config.RunnerConfig{
		Backend:         config.BackendDocker,
		ArtifactDir:     artifactDir,
		UnitArtifactDir: "/tmp/artifacts",
		UnitWorkDir:     "/opt/ci-artifacts/src",
		ExportCommand:   "run utils export-artifacts",
	}
}
