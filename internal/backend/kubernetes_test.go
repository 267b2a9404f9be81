package backend

import (
	"context"
	"log/slog"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestKubernetesBackend_Spawn_CreatesJob(t *testing.T) {
	clientset := fake.NewClientset()
	b := newKubernetesBackend(clientset, KubernetesConfig{Namespace: "test-ns"}, slog.Default())

	handle, err := b.Spawn(context.Background(), JobSpec{
		Image:   "alpine:latest",
		Command: []string{"echo", "hello"},
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if handle == nil {
		t.Fatal("expected non-nil handle")
	}

	jobs, err := clientset.BatchV1().Jobs("test-ns").List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("list jobs failed: %v", err)
	}
	if len(jobs.Items) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.Items))
	}

	job := jobs.Items[0]
	if job.Spec.Template.Spec.Containers[0].Image != "alpine:latest" {
		t.Errorf("got image %s, want alpine:latest", job.Spec.Template.Spec.Containers[0].Image)
	}
	if job.Labels["app.kubernetes.io/managed-by"] != "buildit" {
		t.Error("expected managed-by label 'buildit'")
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Error("expected backoffLimit 0: BuildIt's reaper owns retry policy, not the Job controller")
	}
}

func TestKubernetesBackend_Spawn_WithServiceAccount(t *testing.T) {
	clientset := fake.NewClientset()
	b := newKubernetesBackend(clientset, KubernetesConfig{Namespace: "test-ns", ServiceAccount: "my-sa"}, slog.Default())

	_, err := b.Spawn(context.Background(), JobSpec{Image: "alpine:latest", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(context.Background(), metav1.ListOptions{})
	if jobs.Items[0].Spec.Template.Spec.ServiceAccountName != "my-sa" {
		t.Error("expected service account to be set on pod spec")
	}
}
