package job

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Labels set on every compute unit.
const (
	LabelManagedBy  = "managed-by"
	LabelInvocation = "local-ci.invocation"
	LabelRunID      = "local-ci.run-id"
	LabelReplica    = "local-ci.replica"
	ManagedByValue  = "local-ci"
)

// SecretMountRoot is where secrets appear inside a unit.
const SecretMountRoot = "/run/secrets"

// Runtime provisions isolated compute units.
//
// Implementations must:
//   - Return a non-nil Unit from Acquire whenever any remote resource was
//     created, even if Acquire also returns an error, so the caller can
//     release it
//   - Make Unit.Release safe to call on a partially created unit
//   - Tolerate concurrent Acquire calls for distinct unit names
type Runtime interface {
	// Acquire creates a unit and waits until it accepts Exec calls.
	Acquire(ctx context.Context, spec UnitSpec) (Unit, error)

	// ReadSecret returns one key of a secret visible to units in namespace.
	ReadSecret(ctx context.Context, namespace, name, key string) ([]byte, error)

	// Ready checks the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases backend connections.
	Close() error
}

// Unit is one acquired compute unit.
type Unit interface {
	Name() string

	// Exec runs a command to completion. A non-zero exit status is returned
	// as the int; the error is reserved for failures to run it at all.
	Exec(ctx context.Context, req ExecRequest) (int, error)

	// CopyFrom copies the contents of srcDir in the unit into destDir.
	CopyFrom(ctx context.Context, srcDir, destDir string) error

	// Release destroys the unit.
	Release(ctx context.Context) error
}

// SecretMount exposes a secret to a unit.
type SecretMount struct {
	Name   string
	EnvKey string // Env var receiving the mount path; optional
}

// MountPath is the directory the secret's keys are mounted in.
func (s SecretMount) MountPath() string {
	return path.Join(SecretMountRoot, s.Name)
}

// UnitSpec describes the unit to acquire.
type UnitSpec struct {
	Name           string
	Namespace      string
	Image          string
	ServiceAccount string
	Secret         *SecretMount
	Env            map[string]string
	Labels         map[string]string
	WorkDir        string
	ArtifactDir    string
}

// ExecRequest is one command run inside a unit.
type ExecRequest struct {
	Command string
	Env     map[string]string
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Script renders the request as a single shell script for runtimes that
// cannot pass environment or working directory natively.
func (r ExecRequest) Script() string {
	var b strings.Builder
	if r.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", shellquote.Join(r.WorkDir))
	}
	for _, k := range sortedKeys(r.Env) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellquote.Join(r.Env[k]))
	}
	b.WriteString(r.Command)
	return b.String()
}

// EnvList returns env as KEY=VALUE pairs in key order.
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		list = append(list, k+"="+env[k])
	}
	return list
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
