package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelsCreatedMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_models_created", Help: "Models registered via upload-start"})
	modelsDeletedMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_models_deleted", Help: "Models deleted"})
	chunksMetric        = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_chunks_uploaded", Help: "Upload chunks accepted"})
	uploadBytesMetric   = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_upload_bytes", Help: "Bytes accepted via chunk uploads"})
	commitsMetric       = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_uploads_committed", Help: "Uploads committed"})
	downloadLinksMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "registry_download_links", Help: "Download links resolved"})
)
