package deploy

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pulldmetrics "github.com/pulld/pulld/pkg/metrics"
)

const (
	metricsLabelSuccess     = pulldmetrics.LabelSuccess
	metricsLabelStatus      = pulldmetrics.LabelStatus
	metricsLabelBranchClass = pulldmetrics.LabelBranchClass
)

var (
	// Deploys are dominated by the nix build; short ones are almost
	// always failures.
	deployDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pulld",
		Subsystem: "deploy",
		Name:      "duration_seconds",
		Help:      "Duration of deploy attempts, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
	}, []string{pulldmetrics.LabelSuccess})

	deploysTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pulld",
		Subsystem: "deploy",
		Name:      "attempts_total",
		Help:      "Deploy attempts by final status.",
	}, []string{pulldmetrics.LabelStatus, pulldmetrics.LabelBranchClass})

	selectionsTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pulld",
		Subsystem: "deploy",
		Name:      "selections_total",
		Help:      "Target selections, by whether a new commit was found.",
	}, []string{pulldmetrics.LabelStatus})
)
