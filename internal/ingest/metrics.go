package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_ingest_total",
		Help: "Ingest outcomes by status",
	}, []string{"status"})

	ingestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_ingest_bytes_total",
		Help: "Raw DICOM bytes accepted into the archive",
	})

	deletedResources = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_deleted_resources_total",
		Help: "Resources deleted through the API or recycling",
	})
)
