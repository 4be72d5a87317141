package queue

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"text/template"
	"trapper/utils/logging"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

//go:embed jobs/*
var jobTemplates embed.FS

type KubernetesArgs struct {
	Namespace string
	Image     string

	// Env is passed to the worker container, typically the database and
	// storage settings of the catalog.
	Env map[string]string

	ShareDir   string
	ShareClaim string

	BackoffLimit int
}

// KubernetesQueue starts one batch/v1 Job per upload running trapper_worker.
type KubernetesQueue struct {
	clientset kubernetes.Interface
	args      KubernetesArgs
	templates *template.Template
}

func NewInClusterKubernetesQueue(args KubernetesArgs) (*KubernetesQueue, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading in cluster kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating kubernetes clientset: %w", err)
	}

	return NewKubernetesQueue(clientset, args)
}

func NewKubernetesQueue(clientset kubernetes.Interface, args KubernetesArgs) (*KubernetesQueue, error) {
	funcs := template.FuncMap{"quote": strconv.Quote}

	tmpl, err := template.New("job_templates").Funcs(funcs).ParseFS(jobTemplates, "jobs/*")
	if err != nil {
		return nil, fmt.Errorf("error parsing job templates: %w", err)
	}

	if args.Namespace == "" {
		args.Namespace = "default"
	}
	if args.BackoffLimit <= 0 {
		args.BackoffLimit = 2
	}

	slog.Info("creating kubernetes upload queue", "namespace", args.Namespace, "image", args.Image)
	return &KubernetesQueue{clientset: clientset, args: args, templates: tmpl}, nil
}

type uploadJobTemplate struct {
	KubernetesArgs
	JobName string
	JobId   string
}

func JobName(jobId uuid.UUID) string {
	return fmt.Sprintf("upload-%v", jobId)
}

func (q *KubernetesQueue) render(jobId uuid.UUID) (batchv1.Job, error) {
	var buf bytes.Buffer
	data := uploadJobTemplate{KubernetesArgs: q.args, JobName: JobName(jobId), JobId: jobId.String()}
	if err := q.templates.ExecuteTemplate(&buf, "upload_job.yaml", data); err != nil {
		return batchv1.Job{}, fmt.Errorf("error rendering job template: %w", err)
	}

	var job batchv1.Job
	if err := k8syaml.Unmarshal(buf.Bytes(), &job); err != nil {
		return batchv1.Job{}, fmt.Errorf("error unmarshaling job YAML: %w", err)
	}
	return job, nil
}

// Submit creates the worker Job. A finished Job left over from an earlier
// submission of the same upload is replaced.
func (q *KubernetesQueue) Submit(ctx context.Context, jobId uuid.UUID) error {
	job, err := q.render(jobId)
	if err != nil {
		slog.Error("error rendering upload job", "job_id", jobId, "error", err, "code", logging.UPLOAD_SUBMIT)
		return err
	}

	jobs := q.clientset.BatchV1().Jobs(q.args.Namespace)

	existing, err := jobs.Get(ctx, job.Name, metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("error checking for existing job: %w", err)
	}
	if err == nil {
		if existing.Status.Active > 0 {
			slog.Info("upload job is already running", "job_name", job.Name)
			return nil
		}
		propagation := metav1.DeletePropagationBackground
		if err := jobs.Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !apierrors.IsNotFound(err) {
			slog.Error("error deleting existing job resource", "job_name", job.Name, "error", err)
			return fmt.Errorf("error deleting existing job resource: %w", err)
		}
	}

	if _, err := jobs.Create(ctx, &job, metav1.CreateOptions{}); err != nil {
		slog.Error("error creating job resource", "job_name", job.Name, "error", err, "code", logging.UPLOAD_SUBMIT)
		return fmt.Errorf("error creating job resource: %w", err)
	}

	slog.Info("created upload job", "job_name", job.Name, "namespace", q.args.Namespace, "code", logging.UPLOAD_SUBMIT)
	return nil
}
