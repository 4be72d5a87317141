package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDefinitionValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_definition_validations_total",
		Help: "Uploaded definition files, by validation result.",
	}, []string{"result"})

	metricArchiveSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_archive_submissions_total",
		Help: "Upload jobs handed to the queue, by result.",
	}, []string{"result"})

	metricUploadJobsResubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_upload_jobs_resubmitted_total",
		Help: "Upload jobs resubmitted by the resubmit loop.",
	})

	metricCollectionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_collection_requests_total",
		Help: "Collection access requests, by action.",
	}, []string{"action"})
)
