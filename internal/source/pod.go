package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/xmesh/meshcollect/internal/logging"
)

// PodConfig holds configuration for a pod source.
type PodConfig struct {
	// Kubeconfig path (empty for in-cluster config)
	Kubeconfig string
	// Namespace of the pod (empty for "default")
	Namespace string
	// Pod name running the firmware simulator
	Pod string
	// Container name (empty for the pod's only container)
	Container string
}

// PodSource streams the log of a single named pod, for firmware running
// in a containerized simulator instead of on real hardware. The stream
// is followed; when it ends the channel fails and the owning worker's
// retry policy decides whether to re-attach.
type PodSource struct {
	base
	config *PodConfig
	logger *logging.Logger
}

// NewPodSource creates a pod source for one channel.
func NewPodSource(channel string, cfg *PodConfig, bufferSize int, logger *logging.Logger) *PodSource {
	return &PodSource{
		base:   newBase(channel, "pod", bufferSize),
		config: cfg,
		logger: logger.WithComponent("source-pod").WithChannel(channel),
	}
}

// Open attaches to the pod's log stream and starts the reader.
func (p *PodSource) Open(ctx context.Context) error {
	var kubeConfig *rest.Config
	var err error

	if p.config.Kubeconfig != "" {
		kubeConfig, err = clientcmd.BuildConfigFromFlags("", p.config.Kubeconfig)
	} else {
		kubeConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return &ChannelError{Channel: p.channel, Op: "open", Err: fmt.Errorf("kubernetes config: %w", err)}
	}

	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return &ChannelError{Channel: p.channel, Op: "open", Err: fmt.Errorf("kubernetes client: %w", err)}
	}

	namespace := p.config.Namespace
	if namespace == "" {
		namespace = corev1.NamespaceDefault
	}

	// Resolve the pod first so open failures name the pod rather than
	// the log endpoint. A pending pod has no logs to follow yet; the
	// worker's retry policy re-attaches once it is scheduled.
	pod, err := clientset.CoreV1().Pods(namespace).Get(ctx, p.config.Pod, metav1.GetOptions{})
	if err != nil {
		return &ChannelError{Channel: p.channel, Op: "open", Err: fmt.Errorf("pod lookup: %w", err)}
	}
	if pod.Status.Phase == corev1.PodPending {
		return &ChannelError{Channel: p.channel, Op: "open", Err: fmt.Errorf("pod %s is pending", p.config.Pod)}
	}

	opts := &corev1.PodLogOptions{
		Container: p.config.Container,
		Follow:    true,
	}

	readCtx := p.begin()

	req := clientset.CoreV1().Pods(namespace).GetLogs(p.config.Pod, opts)
	stream, err := req.Stream(readCtx)
	if err != nil {
		p.teardown()
		return &ChannelError{Channel: p.channel, Op: "open", Err: fmt.Errorf("log stream: %w", err)}
	}

	p.wg.Add(1)
	go p.readLoop(readCtx, stream)

	p.logger.Info().
		Str("namespace", namespace).
		Str("pod", p.config.Pod).
		Str("container", p.config.Container).
		Msg("Attached to pod log stream")

	return nil
}

// readLoop reads log lines until the stream ends or the source closes.
func (p *PodSource) readLoop(ctx context.Context, stream io.ReadCloser) {
	defer p.wg.Done()
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.emit(scanner.Text())
	}

	if ctx.Err() != nil {
		return
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, io.EOF) {
		// Follow streams only end when the pod stops or the kubelet
		// rotates us out.
		err = errors.New("log stream ended")
	}
	p.logger.Warn().Err(err).Str("pod", p.config.Pod).Msg("Pod log stream ended")
	p.fail("stream", err)
}

// Close detaches from the log stream.
func (p *PodSource) Close() error {
	p.teardown()
	return nil
}
