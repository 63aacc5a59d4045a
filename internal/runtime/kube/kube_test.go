package kube

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/sutaakar/topsail/internal/job"
)

type fakeExecutor struct {
	mu    sync.Mutex
	cmds  [][]string
	reply func(cmd []string, stdout, stderr io.Writer) error
}

func (e *fakeExecutor) Stream(_ context.Context, _, _ string, cmd []string, stdout, stderr io.Writer) error {
	e.mu.Lock()
	e.cmds = append(e.cmds, cmd)
	e.mu.Unlock()
	if e.reply != nil {
		return e.reply(cmd, stdout, stderr)
	}
	return nil
}

// withPhase makes created pods report phase, running when phase is Running.
func withPhase(cs *fake.Clientset, phase corev1.PodPhase) {
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = phase
		if phase == corev1.PodRunning {
			pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
				Name:  containerName,
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}}
		}
		return false, nil, nil
	})
}

func testSpec() job.UnitSpec {
	return job.UnitSpec{
		Name:           "ci-artifacts",
		Namespace:      "ci-artifacts",
		Image:          "image-registry.openshift-image-registry.svc:5000/ci-artifacts/ci-artifacts:main",
		ServiceAccount: "ci-artifacts",
		Secret:         &job.SecretMount{Name: "psap-secret", EnvKey: "PSAP_SECRET_PATH"},
		Env:            map[string]string{"ARTIFACT_DIR": "/tmp/artifacts", "LOCAL_CI_RUN_ID": "20240305_1407"},
		Labels:         map[string]string{job.LabelManagedBy: job.ManagedByValue},
		WorkDir:        "/opt/ci-artifacts/src",
		ArtifactDir:    "/tmp/artifacts",
	}
}

func TestBuildPod(t *testing.T) {
	t.Parallel()
	pod := buildPod(testSpec())

	assert.Equal(t, "ci-artifacts", pod.Name)
	assert.Equal(t, "ci-artifacts", pod.Namespace)
	assert.Equal(t, job.ManagedByValue, pod.Labels[job.LabelManagedBy])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, "ci-artifacts", pod.Spec.ServiceAccountName)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, idleCommand, c.Command)
	assert.Equal(t, "/opt/ci-artifacts/src", c.WorkingDir)
	assert.Equal(t, []corev1.EnvVar{
		{Name: "ARTIFACT_DIR", Value: "/tmp/artifacts"},
		{Name: "LOCAL_CI_RUN_ID", Value: "20240305_1407"},
	}, c.Env)

	require.Len(t, c.VolumeMounts, 2)
	assert.Equal(t, "/tmp/artifacts", c.VolumeMounts[0].MountPath)
	assert.Equal(t, "/run/secrets/psap-secret", c.VolumeMounts[1].MountPath)
	assert.True(t, c.VolumeMounts[1].ReadOnly)

	require.Len(t, pod.Spec.Volumes, 2)
	assert.NotNil(t, pod.Spec.Volumes[0].EmptyDir)
	require.NotNil(t, pod.Spec.Volumes[1].Secret)
	assert.Equal(t, "psap-secret", pod.Spec.Volumes[1].Secret.SecretName)
}

func TestBuildPod_NoSecret(t *testing.T) {
	t.Parallel()
	spec := testSpec()
	spec.Secret = nil
	pod := buildPod(spec)

	assert.Len(t, pod.Spec.Volumes, 1)
	assert.Len(t, pod.Spec.Containers[0].VolumeMounts, 1)
}

func TestPodReady(t *testing.T) {
	t.Parallel()
	running := []corev1.ContainerStatus{{
		Name:  containerName,
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
	}}

	tests := []struct {
		name         string
		status       corev1.PodStatus
		wantReady    bool
		wantTerminal bool
	}{
		{"pending", corev1.PodStatus{Phase: corev1.PodPending}, false, false},
		{"running", corev1.PodStatus{Phase: corev1.PodRunning, ContainerStatuses: running}, true, false},
		{"running without container status", corev1.PodStatus{Phase: corev1.PodRunning}, false, false},
		{"failed", corev1.PodStatus{Phase: corev1.PodFailed}, false, true},
		{"succeeded", corev1.PodStatus{Phase: corev1.PodSucceeded}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ready, terminal := podReady(&corev1.Pod{Status: tt.status})
			assert.Equal(t, tt.wantReady, ready)
			assert.Equal(t, tt.wantTerminal, terminal)
		})
	}
}

func TestAcquire_Running(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	withPhase(cs, corev1.PodRunning)
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)

	u, err := rt.Acquire(context.Background(), testSpec())
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "ci-artifacts", u.Name())

	pod, err := cs.CoreV1().Pods("ci-artifacts").Get(context.Background(), "ci-artifacts", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ci-artifacts", pod.Spec.ServiceAccountName)
}

func TestAcquire_ReplacesStalePod(t *testing.T) {
	t.Parallel()
	stale := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "ci-artifacts", Namespace: "ci-artifacts", Labels: map[string]string{"stale": "true"}}}
	cs := fake.NewClientset(stale)
	withPhase(cs, corev1.PodRunning)
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)

	_, err := rt.Acquire(context.Background(), testSpec())
	require.NoError(t, err)

	pod, err := cs.CoreV1().Pods("ci-artifacts").Get(context.Background(), "ci-artifacts", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, pod.Labels["stale"])
}

func TestAcquire_PodFailed(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	withPhase(cs, corev1.PodFailed)
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)

	u, err := rt.Acquire(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed")
	require.NotNil(t, u, "the created pod must be handed back for release")

	require.NoError(t, u.Release(context.Background()))
	_, err = cs.CoreV1().Pods("ci-artifacts").Get(context.Background(), "ci-artifacts", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestAcquire_ReadyTimeout(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	withPhase(cs, corev1.PodPending)
	rt := newRuntime(cs, &fakeExecutor{}, 300*time.Millisecond)

	u, err := rt.Acquire(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotNil(t, u)
}

func TestAcquire_CreateRejected(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	cs.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewAlreadyExists(corev1.Resource("pods"), "ci-artifacts")
	})
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)

	u, err := rt.Acquire(context.Background(), testSpec())
	require.Error(t, err)
	assert.Nil(t, u)
}

func TestUnit_Exec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		reply    error
		wantCode int
		wantErr  bool
	}{
		{"success", nil, 0, false},
		{"non-zero exit", utilexec.CodeExitError{Err: errors.New("command terminated with exit code 3"), Code: 3}, 3, false},
		{"transport failure", errors.New("connection reset"), -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &fakeExecutor{reply: func(_ []string, stdout, _ io.Writer) error {
				_, _ = io.WriteString(stdout, "hello\n")
				return tt.reply
			}}
			u := &unit{rt: newRuntime(fake.NewClientset(), exec, time.Minute), name: "load-0", namespace: "ci-artifacts"}

			var out bytes.Buffer
			code, err := u.Exec(context.Background(), job.ExecRequest{
				Command: "run tests",
				WorkDir: "/opt/ci-artifacts/src",
				Env:     map[string]string{"PR_NUMBER": "42"},
				Stdout:  &out,
			})
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "hello\n", out.String())

			require.Len(t, exec.cmds, 1)
			cmd := exec.cmds[0]
			assert.Equal(t, []string{"/bin/sh", "-c"}, cmd[:2])
			assert.Contains(t, cmd[2], "export PR_NUMBER=42")
			assert.Contains(t, cmd[2], "cd /opt/ci-artifacts/src")
		})
	}
}

func TestUnit_CopyFrom(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{reply: func(cmd []string, stdout, _ io.Writer) error {
		if cmd[0] != "tar" {
			return errors.New("unexpected command")
		}
		tw := tar.NewWriter(stdout)
		_ = tw.WriteHeader(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755})
		_ = tw.WriteHeader(&tar.Header{Name: "./reports/", Typeflag: tar.TypeDir, Mode: 0o755})
		body := "<testsuite/>"
		_ = tw.WriteHeader(&tar.Header{Name: "./reports/junit.xml", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
		_, _ = io.WriteString(tw, body)
		return tw.Close()
	}}
	u := &unit{rt: newRuntime(fake.NewClientset(), exec, time.Minute), name: "load-0", namespace: "ci-artifacts"}

	dest := t.TempDir()
	require.NoError(t, u.CopyFrom(context.Background(), "/tmp/artifacts", dest))

	data, err := os.ReadFile(filepath.Join(dest, "reports", "junit.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<testsuite/>", string(data))
	assert.Equal(t, []string{"tar", "cf", "-", "-C", "/tmp/artifacts", "."}, exec.cmds[0])
}

func TestUnit_CopyFromTarFails(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{reply: func(_ []string, _, stderr io.Writer) error {
		_, _ = io.WriteString(stderr, "tar: /tmp/artifacts: No such file or directory")
		return utilexec.CodeExitError{Err: errors.New("exit 2"), Code: 2}
	}}
	u := &unit{rt: newRuntime(fake.NewClientset(), exec, time.Minute), name: "load-0", namespace: "ci-artifacts"}

	err := u.CopyFrom(context.Background(), "/tmp/artifacts", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestUnit_ReleaseOnce(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	withPhase(cs, corev1.PodRunning)
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)

	u, err := rt.Acquire(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, u.Release(context.Background()))
	require.NoError(t, u.Release(context.Background()))

	deletes := 0
	for _, a := range cs.Actions() {
		if a.GetVerb() == "delete" && a.GetResource().Resource == "pods" {
			deletes++
		}
	}
	// One stale-pod probe during Acquire plus exactly one release.
	assert.Equal(t, 2, deletes)
}

func TestReadSecret(t *testing.T) {
	t.Parallel()
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "minio-secret", Namespace: "minio"},
		Data:       map[string][]byte{"user_password": []byte("s3cr3t")},
	}
	rt := newRuntime(fake.NewClientset(secret), &fakeExecutor{}, time.Minute)

	got, err := rt.ReadSecret(context.Background(), "minio", "minio-secret", "user_password")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(got))

	_, err = rt.ReadSecret(context.Background(), "minio", "minio-secret", "missing")
	assert.ErrorContains(t, err, `no key "missing"`)

	_, err = rt.ReadSecret(context.Background(), "minio", "other", "user_password")
	assert.Error(t, err)
}

func TestReady(t *testing.T) {
	t.Parallel()
	cs := fake.NewClientset()
	rt := newRuntime(cs, &fakeExecutor{}, time.Minute)
	assert.NoError(t, rt.Ready(context.Background()))

	cs.PrependReactor("get", "version", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})
	assert.Error(t, rt.Ready(context.Background()))
}
