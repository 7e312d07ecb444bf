package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openassoc/sepa-collector/internal/errors"
	"github.com/openassoc/sepa-collector/internal/metrics"
)

type buildRequest struct {
	CollectionDate string `json:"collection_date"`
}

type buildResponse struct {
	BatchUUID string   `json:"batch_uuid,omitempty"`
	Entries   int      `json:"entries"`
	Total     string   `json:"total"`
	Gaps      int      `json:"gaps"`
	Contested []string `json:"contested_invoices,omitempty"`
}

// BuildBatchHandler triggers a batch build for an explicit collection date.
// The scheduler covers the regular calendar; this endpoint exists for
// catch-up runs and tests against a staging bank.
func (s *Server) BuildBatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.ServiceError{
			Code:    errors.CodeBadRequest,
			Message: "request unmarshalling error",
			Err:     err,
		}
	}
	defer r.Body.Close()

	collectionDate, err := time.Parse("2006-01-02", req.CollectionDate)
	if err != nil {
		return nil, errors.ServiceError{
			Code:    errors.CodeBadRequest,
			Message: fmt.Sprintf("bad collection date %q", req.CollectionDate),
			Err:     err,
		}
	}

	s.log.Info("manual batch build requested",
		"collection_date", req.CollectionDate)

	result, err := s.builder.Build(r.Context(), collectionDate)
	if err != nil {
		return nil, errors.ServiceError{
			Code:    errors.CodeBuildFailed,
			Message: "batch build failed",
			Err:     err,
		}
	}

	metrics.CoverageGaps.Add(float64(len(result.Gaps)))

	resp := buildResponse{
		Gaps:      len(result.Gaps),
		Contested: result.ContestedInvoices,
		Total:     "0.00",
	}

	if result.Batch != nil {
		metrics.BatchesBuilt.Inc()
		metrics.BatchEntries.Add(float64(len(result.Batch.Entries)))

		resp.BatchUUID = result.Batch.UUID.String()
		resp.Entries = len(result.Batch.Entries)
		resp.Total = result.Batch.Total.StringFixed(2)
	}

	return resp, nil
}

// IngestReturnHandler accepts a pain.002 return file in the request body.
func (s *Server) IngestReturnHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	defer r.Body.Close()

	s.log.Info("return file upload accepted")

	outcomes, err := s.recon.Ingest(r.Context(), r.Body)
	if err != nil {
		return nil, errors.ServiceError{
			Code:    errors.CodeIngestFailed,
			Message: "return file ingestion failed",
			Err:     err,
		}
	}

	metrics.ReturnFilesIngested.Inc()
	for _, outcome := range outcomes {
		metrics.ReconOutcomes.WithLabelValues(string(outcome.Kind)).Inc()
	}

	return outcomes, nil
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	return s.checker.GetHealthStatus(), nil
}

func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	status := s.checker.GetHealthStatus()
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	return status, nil
}
