package backend

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds configuration for the Kubernetes backend.
type KubernetesConfig struct {
	Namespace          string
	ServiceAccount     string
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesBackend implements Backend using Kubernetes Jobs, the cluster
// workload manager variant.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	logger    *slog.Logger
}

type kubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string
	logger    *slog.Logger
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// NewKubernetesBackend builds a backend from in-cluster config, falling
// back to the local kubeconfig for development.
func NewKubernetesBackend(cfg KubernetesConfig, logger *slog.Logger) (*KubernetesBackend, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	return newKubernetesBackend(clientset, cfg, logger), nil
}

// newKubernetesBackend wires a caller-provided clientset, letting tests
// substitute k8s.io/client-go/kubernetes/fake.
func newKubernetesBackend(clientset kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *KubernetesBackend {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	return &KubernetesBackend{clientset: clientset, config: cfg, logger: logger}
}

// Spawn creates a Kubernetes Job with backoffLimit 0: BuildIt's queue
// reaper, not the Job controller, owns retry policy.
func (k *KubernetesBackend) Spawn(ctx context.Context, spec JobSpec) (Handle, error) {
	jobName := fmt.Sprintf("buildit-%d", time.Now().UnixNano())

	var envVars []corev1.EnvVar
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
		},
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "buildit"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "buildit",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "stage",
							Image:     spec.Image,
							Command:   spec.Command,
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	k.logger.Info("created kubernetes job", "job", created.Name, "namespace", k.config.Namespace)

	return &kubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		jobName:   created.Name,
		logger:    k.logger,
	}, nil
}

func (h *kubernetesHandle) Wait(ctx context.Context) (JobResult, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		return JobResult{ExitCode: -1, Error: err}, err
	}
	h.podName = podName

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return JobResult{ExitCode: -1, Error: err}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			return JobResult{ExitCode: -1, Error: fmt.Errorf("watch error")}, fmt.Errorf("watch error")
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return JobResult{ExitCode: 0}, nil
		case corev1.PodFailed:
			exitCode := -1
			var podErr error
			if len(pod.Status.ContainerStatuses) > 0 {
				cs := pod.Status.ContainerStatuses[0]
				if cs.State.Terminated != nil {
					exitCode = int(cs.State.Terminated.ExitCode)
					if cs.State.Terminated.Reason != "" {
						podErr = fmt.Errorf("%s", cs.State.Terminated.Reason)
					}
				}
			}
			return JobResult{ExitCode: exitCode, Error: podErr}, nil
		}
	}

	return JobResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
}

func (h *kubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

func (h *kubernetesHandle) Cancel(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", h.jobName, err)
	}
	h.logger.Info("deleted kubernetes job", "job", h.jobName)
	return nil
}

func (h *kubernetesHandle) Status(ctx context.Context) (JobStatus, error) {
	if h.podName == "" {
		return JobStatus{Phase: PhasePending}, nil
	}
	pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
	if err != nil {
		return JobStatus{}, err
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return JobStatus{Phase: PhaseRunning}, nil
	case corev1.PodSucceeded:
		return JobStatus{Phase: PhaseSucceeded}, nil
	case corev1.PodFailed:
		return JobStatus{Phase: PhaseFailed}, nil
	default:
		return JobStatus{Phase: PhasePending}, nil
	}
}

func (h *kubernetesHandle) Logs(ctx context.Context) (<-chan LogChunk, <-chan error) {
	out := make(chan LogChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if h.podName == "" {
			podName, err := h.waitForPod(ctx)
			if err != nil {
				errs <- fmt.Errorf("find pod for job %s: %w", h.jobName, err)
				return
			}
			h.podName = podName
		}

		if err := h.waitForContainerReady(ctx); err != nil {
			errs <- err
			return
		}

		req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
			Container: "stage",
			Follow:    true,
		})
		rc, err := req.Stream(ctx)
		if err != nil {
			errs <- fmt.Errorf("open pod log stream: %w", err)
			return
		}
		defer rc.Close()

		// Kubernetes pod logs are a single combined stream; container
		// stdout/stderr separation is not available without a sidecar,
		// so every line is tagged stdout.
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			select {
			case out <- LogChunk{Stream: LogStreamStdout, Content: scanner.Text(), Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read pod log stream: %w", err)
		}
	}()

	return out, errs
}

func (h *kubernetesHandle) waitForContainerReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}
	}
}
