// Package kube implements job.Runtime on Kubernetes. Each unit is a pod
// idling until commands are executed in it.
package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/sutaakar/topsail/internal/artifact"
	"github.com/sutaakar/topsail/internal/job"
	"github.com/sutaakar/topsail/pkg/backoff"
)

var pollBackoff = &backoff.Config{Initial: 250 * time.Millisecond, Max: 5 * time.Second}

// Runtime implements job.Runtime using pods.
type Runtime struct {
	clientset    kubernetes.Interface
	exec         executor
	readyTimeout time.Duration
}

// Config holds configuration for the Kubernetes runtime.
type Config struct {
	Kubeconfig   string        // Empty uses the default loading rules
	ReadyTimeout time.Duration // How long a pod may take to start (default 10m)
}

// New creates a runtime for the cluster selected by cfg.Kubeconfig.
func New(cfg Config) (*Runtime, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return newRuntime(clientset, &spdyExecutor{config: restConfig, clientset: clientset}, cfg.ReadyTimeout), nil
}

func newRuntime(clientset kubernetes.Interface, exec executor, readyTimeout time.Duration) *Runtime {
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Minute
	}
	return &Runtime{clientset: clientset, exec: exec, readyTimeout: readyTimeout}
}

// Acquire creates the unit's pod and waits for its container to run.
// Once the pod exists the unit is returned, with or without an error.
func (r *Runtime) Acquire(ctx context.Context, spec job.UnitSpec) (job.Unit, error) {
	logger := slog.With("unit", spec.Name, "namespace", spec.Namespace)
	pods := r.clientset.CoreV1().Pods(spec.Namespace)

	ctx, cancel := context.WithTimeout(ctx, r.readyTimeout)
	defer cancel()

	if err := r.removeStale(ctx, logger, spec.Namespace, spec.Name); err != nil {
		return nil, err
	}

	u := &unit{rt: r, name: spec.Name, namespace: spec.Namespace}
	if _, err := pods.Create(ctx, buildPod(spec), metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("failed to create pod: %w", err)
		}
		// The request may have reached the server.
		return u, fmt.Errorf("failed to create pod: %w", err)
	}

	if err := r.waitRunning(ctx, spec.Namespace, spec.Name); err != nil {
		return u, err
	}

	logger.Debug("Unit running", "image", spec.Image)
	return u, nil
}

// removeStale deletes a pod left behind under the same name and waits
// until it is gone.
func (r *Runtime) removeStale(ctx context.Context, logger *slog.Logger, namespace, name string) error {
	err := r.deletePod(ctx, namespace, name)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete stale pod: %w", err)
	}
	logger.Warn("Deleting stale unit pod")

	for attempt := 1; ; attempt++ {
		_, err := r.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err := backoff.Sleep(ctx, attempt, pollBackoff); err != nil {
			return fmt.Errorf("timed out waiting for stale pod deletion: %w", err)
		}
	}
}

func (r *Runtime) waitRunning(ctx context.Context, namespace, name string) error {
	for attempt := 1; ; attempt++ {
		pod, err := r.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to get pod: %w", err)
		}
		ready, terminal := podReady(pod)
		if ready {
			return nil
		}
		if terminal {
			return fmt.Errorf("pod reached phase %s before becoming ready: %s", pod.Status.Phase, pod.Status.Message)
		}
		if err := backoff.Sleep(ctx, attempt, pollBackoff); err != nil {
			return fmt.Errorf("timed out waiting for pod to run: %w", err)
		}
	}
}

func (r *Runtime) deletePod(ctx context.Context, namespace, name string) error {
	var grace int64
	propagation := metav1.DeletePropagationForeground
	return r.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
}

// ReadSecret returns one key of a secret.
func (r *Runtime) ReadSecret(ctx context.Context, namespace, name, key string) ([]byte, error) {
	secret, err := r.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", namespace, name, err)
	}
	data, ok := secret.Data[key]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s has no key %q", namespace, name, key)
	}
	return data, nil
}

// Ready checks the API server answers.
func (r *Runtime) Ready(context.Context) error {
	_, err := r.clientset.Discovery().ServerVersion()
	return err
}

// Close is a no-op: every unit is released by its holder.
func (r *Runtime) Close() error { return nil }

type unit struct {
	rt        *Runtime
	name      string
	namespace string
	released  atomic.Bool
}

func (u *unit) Name() string { return u.name }

// Exec runs the request as a shell script, since pod exec cannot set the
// environment or working directory.
func (u *unit) Exec(ctx context.Context, req job.ExecRequest) (int, error) {
	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	err := u.rt.exec.Stream(ctx, u.namespace, u.name, []string{"/bin/sh", "-c", req.Script()}, stdout, stderr)
	if err == nil {
		return 0, nil
	}
	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return exitErr.ExitStatus(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, fmt.Errorf("failed to exec in pod: %w", err)
}

// CopyFrom streams srcDir out of the pod with tar and unpacks it.
func (u *unit) CopyFrom(ctx context.Context, srcDir, destDir string) error {
	pr, pw := io.Pipe()
	var stderr limitedBuffer

	go func() {
		err := u.rt.exec.Stream(ctx, u.namespace, u.name, []string{"tar", "cf", "-", "-C", srcDir, "."}, pw, &stderr)
		if err != nil {
			err = fmt.Errorf("tar in pod failed: %w: %s", err, stderr.String())
		}
		pw.CloseWithError(err)
	}()

	err := artifact.ExtractTar(pr, destDir, false)
	// Drain so the stream goroutine can finish.
	_, _ = io.Copy(io.Discard, pr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", srcDir, err)
	}
	return nil
}

// Release deletes the pod. Releasing twice is a no-op.
func (u *unit) Release(ctx context.Context) error {
	if !u.released.CompareAndSwap(false, true) {
		return nil
	}
	err := u.rt.deletePod(ctx, u.namespace, u.name)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

var _ job.Runtime = (*Runtime)(nil)
