package job

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HandoffFile is the name of the parameter record written next to a run's
// local artifacts.
const HandoffFile = "params.yaml"

// Handoff records the full parameter set of an invocation under the role
// that executes it.
type Handoff struct {
	Role   string         `yaml:"role"`
	RunID  string         `yaml:"run_id"`
	Params map[string]any `yaml:"params"`
}

// NewHandoff flattens params (a Spec or MultiSpec) into a handoff record.
func NewHandoff(role, runID string, params any) (*Handoff, error) {
	data, err := yaml.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", role, err)
	}
	flat := map[string]any{}
	if err := yaml.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("flatten %s params: %w", role, err)
	}
	return &Handoff{Role: role, RunID: runID, Params: flat}, nil
}

// Write stores the record as dir/params.yaml, creating dir if needed.
func (h *Handoff) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal handoff: %w", err)
	}
	path := filepath.Join(dir, HandoffFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// writeHandoff records params under dir. A failure is logged and otherwise
// ignored; the run proceeds without the record.
func writeHandoff(logger *slog.Logger, role, runID string, params any, dir string) {
	handoff, err := NewHandoff(role, runID, params)
	if err == nil {
		_, err = handoff.Write(dir)
	}
	if err != nil {
		logger.Warn("Failed to write parameter record", "error", err)
	}
}
