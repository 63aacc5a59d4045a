package kube

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// executor streams a command in a pod's container. A non-zero exit status
// surfaces as an error implementing k8s.io/client-go/util/exec.ExitError.
type executor interface {
	Stream(ctx context.Context, namespace, pod string, cmd []string, stdout, stderr io.Writer) error
}

type spdyExecutor struct {
	config    *rest.Config
	clientset kubernetes.Interface
}

func (e *spdyExecutor) Stream(ctx context.Context, namespace, pod string, cmd []string, stdout, stderr io.Writer) error {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return err
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
}
