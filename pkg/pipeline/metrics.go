package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
	outcomePaused    = "paused"
	outcomeAbandoned = "abandoned"
)

var (
	sessionsStartedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "g7gov",
		Name:      "pipeline_sessions_started_total",
		Help:      "The total number of pipeline sessions started, including follow-up resumes.",
	}, []string{"pipeline"})

	sessionOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "g7gov",
		Name:      "pipeline_session_outcomes_total",
		Help:      "The total number of pipeline sessions by how they ended.",
	}, []string{"pipeline", "outcome"})

	ignoredRecordsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "g7gov",
		Name:      "pipeline_ignored_records_total",
		Help:      "The total number of stream records that named no stage of the pipeline or a stage before the resume point.",
	}, []string{"pipeline"})

	extractionFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "g7gov",
		Name:      "pipeline_extraction_failures_total",
		Help:      "The total number of stage payloads that could not be extracted and fell back to an empty payload.",
	}, []string{"pipeline", "stage"})
)
