package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestKubernetesQueueCreatesJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	q, err := NewKubernetesQueue(clientset, KubernetesArgs{
		Namespace:  "trapper",
		Image:      "trapper/worker:latest",
		Env:        map[string]string{"DATABASE_URI": "postgresql://u:p@db:5432/trapper", "SHARE_DIR": "/share"},
		ShareDir:   "/share",
		ShareClaim: "trapper-share",
	})
	require.NoError(t, err)

	jobId := uuid.New()
	require.NoError(t, q.Submit(context.Background(), jobId))

	job, err := clientset.BatchV1().Jobs("trapper").Get(context.Background(), JobName(jobId), metav1.GetOptions{})
	require.NoError(t, err)

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "trapper/worker:latest", container.Image)
	assert.Equal(t, []string{"/app/trapper_worker", "--job", jobId.String()}, container.Command)

	env := make(map[string]string)
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "postgresql://u:p@db:5432/trapper", env["DATABASE_URI"])
	assert.Equal(t, "/share", env["SHARE_DIR"])

	require.Len(t, job.Spec.Template.Spec.Volumes, 1)
	assert.Equal(t, "trapper-share", job.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
	assert.Equal(t, jobId.String(), job.Labels["trapper-upload-job"])
}

func TestKubernetesQueueResubmitReplacesFinishedJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	q, err := NewKubernetesQueue(clientset, KubernetesArgs{Namespace: "trapper", Image: "worker"})
	require.NoError(t, err)

	jobId := uuid.New()
	require.NoError(t, q.Submit(context.Background(), jobId))
	require.NoError(t, q.Submit(context.Background(), jobId))

	jobs, err := clientset.BatchV1().Jobs("trapper").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}
