// Package bulk drives Bulk API v1 query jobs: create a job, add one batch per
// query, close it, poll each batch to completion and stream its CSV results.
//
// Batch ids are written to the bookmark as soon as they exist so an
// interrupted run can pick up the same job instead of querying again.
package bulk

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/clients"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/observability"
	"github.com/ajitpratap0/tap-salesforce/pkg/quota"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Batch states.
const (
	StateQueued       = "Queued"
	StateInProgress   = "InProgress"
	StateCompleted    = "Completed"
	StateFailed       = "Failed"
	StateNotProcessed = "NotProcessed"
)

const endpoint = "bulk"

// JobInfo is the job resource.
type JobInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Operation   string `json:"operation"`
	State       string `json:"state"`
	ContentType string `json:"contentType"`
}

// BatchInfo is the batch resource.
type BatchInfo struct {
	ID                     string `json:"id" xml:"id"`
	JobID                  string `json:"jobId" xml:"jobId"`
	State                  string `json:"state" xml:"state"`
	StateMessage           string `json:"stateMessage" xml:"stateMessage"`
	NumberRecordsProcessed int64  `json:"numberRecordsProcessed" xml:"numberRecordsProcessed"`
}

type resultList struct {
	Results []string `xml:"result" json:"result"`
}

// Controller issues Bulk API calls through the shared API client.
type Controller struct {
	client       *clients.APIClient
	governor     *quota.Governor
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *zap.Logger
}

// NewController creates a controller polling every pollInterval. governor may be nil.
func NewController(client *clients.APIClient, governor *quota.Governor, pollInterval time.Duration, log *zap.Logger) *Controller {
	if pollInterval <= 0 {
		pollInterval = config.DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		client:       client,
		governor:     governor,
		pollInterval: pollInterval,
		sleep:        sleepContext,
		logger:       log.With(zap.String("component", "bulk")),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateJob opens a queryAll job for object.
func (c *Controller) CreateJob(ctx context.Context, stream, object string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"operation":   "queryAll",
		"object":      object,
		"contentType": "CSV",
	})
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(ctx, &clients.Request{
		Method:      http.MethodPost,
		Path:        c.client.BulkPath("/job"),
		Body:        body,
		ContentType: "application/json",
		Bulk:        true,
		Endpoint:    endpoint,
		Stream:      stream,
	})
	if err != nil {
		return "", err
	}
	var job JobInfo
	if err := json.Unmarshal(resp.Body, &job); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeBulk, "decoding job").WithDetail("stream", stream)
	}
	if job.ID == "" {
		return "", errors.Newf(errors.ErrorTypeBulk, "stream %s: job creation returned no id", stream)
	}
	c.logger.Info("created bulk job", zap.String("stream", stream), zap.String("job_id", job.ID))
	return job.ID, nil
}

// AddBatch submits one SOQL query as a batch of jobID.
func (c *Controller) AddBatch(ctx context.Context, stream, jobID, soql string) (BatchInfo, error) {
	resp, err := c.client.Do(ctx, &clients.Request{
		Method:      http.MethodPost,
		Path:        c.client.BulkPath("/job/" + jobID + "/batch"),
		Body:        []byte(soql),
		ContentType: "text/csv",
		Bulk:        true,
		Endpoint:    endpoint,
		Stream:      stream,
	})
	if err != nil {
		return BatchInfo{}, err
	}
	return decodeBatchInfo(resp.Body, stream)
}

// CloseJob closes jobID to further batches; queued batches still run.
func (c *Controller) CloseJob(ctx context.Context, stream, jobID string) error {
	_, err := c.client.Do(ctx, &clients.Request{
		Method:      http.MethodPost,
		Path:        c.client.BulkPath("/job/" + jobID),
		Body:        []byte(`{"state":"Closed"}`),
		ContentType: "application/json",
		Bulk:        true,
		Endpoint:    endpoint,
		Stream:      stream,
	})
	return err
}

// JobExists reports whether jobID can still be read.
func (c *Controller) JobExists(ctx context.Context, stream, jobID string) (bool, error) {
	_, err := c.client.Do(ctx, &clients.Request{
		Path:     c.client.BulkPath("/job/" + jobID),
		Bulk:     true,
		Endpoint: endpoint,
		Stream:   stream,
	})
	if err == nil {
		return true, nil
	}
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound ||
		apiErr.ErrorCode == "InvalidJob" || apiErr.ErrorCode == "NOT_FOUND") {
		return false, nil
	}
	return false, err
}

// BatchStatus fetches one batch.
func (c *Controller) BatchStatus(ctx context.Context, stream, jobID, batchID string) (BatchInfo, error) {
	resp, err := c.client.Do(ctx, &clients.Request{
		Path:     c.client.BulkPath("/job/" + jobID + "/batch/" + batchID),
		Bulk:     true,
		Endpoint: endpoint,
		Stream:   stream,
	})
	if err != nil {
		return BatchInfo{}, err
	}
	return decodeBatchInfo(resp.Body, stream)
}

// Poll waits at a fixed interval until the batch leaves Queued/InProgress.
// A Failed batch is returned as a BulkBatchFailedError.
func (c *Controller) Poll(ctx context.Context, stream, jobID, batchID string) (BatchInfo, error) {
	for {
		info, err := c.BatchStatus(ctx, stream, jobID, batchID)
		if err != nil {
			return BatchInfo{}, err
		}
		switch info.State {
		case StateCompleted, StateNotProcessed:
			metrics.BulkBatches.WithLabelValues(info.State).Inc()
			return info, nil
		case StateFailed:
			metrics.BulkBatches.WithLabelValues(info.State).Inc()
			logger.Lines(c.logger, zapcore.WarnLevel, info.StateMessage,
				zap.String("stream", stream), zap.String("job_id", jobID), zap.String("batch_id", batchID))
			return info, &errors.BulkBatchFailedError{
				Stream:  stream,
				JobID:   jobID,
				BatchID: batchID,
				Reason:  info.StateMessage,
			}
		}

		c.logger.Debug("waiting for batch",
			zap.String("stream", stream),
			zap.String("batch_id", batchID),
			zap.String("state", info.State),
			zap.Duration("interval", c.pollInterval))
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return BatchInfo{}, err
		}
	}
}

// ResultIDs lists the result sets of a completed batch.
func (c *Controller) ResultIDs(ctx context.Context, stream, jobID, batchID string) ([]string, error) {
	resp, err := c.client.Do(ctx, &clients.Request{
		Path:     c.client.BulkPath("/job/" + jobID + "/batch/" + batchID + "/result"),
		Bulk:     true,
		Endpoint: endpoint,
		Stream:   stream,
	})
	if err != nil {
		return nil, err
	}
	var list resultList
	body := strings.TrimSpace(string(resp.Body))
	if strings.HasPrefix(body, "[") {
		err = json.Unmarshal(resp.Body, &list.Results)
	} else if strings.HasPrefix(body, "{") {
		err = json.Unmarshal(resp.Body, &list)
	} else {
		err = xml.Unmarshal(resp.Body, &list)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBulk, "decoding result list").WithDetail("stream", stream)
	}
	return list.Results, nil
}

// FetchResults streams every CSV result of a completed batch to emit and
// returns the number of rows read. Values are left as strings.
func (c *Controller) FetchResults(ctx context.Context, stream, jobID, batchID string, emit func(map[string]any) error) (int, error) {
	ids, err := c.ResultIDs(ctx, stream, jobID, batchID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, resultID := range ids {
		n, err := c.fetchResult(ctx, stream, jobID, batchID, resultID, emit)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Controller) fetchResult(ctx context.Context, stream, jobID, batchID, resultID string, emit func(map[string]any) error) (int, error) {
	body, err := c.client.Open(ctx, &clients.Request{
		Path:     c.client.BulkPath("/job/" + jobID + "/batch/" + batchID + "/result/" + resultID),
		Bulk:     true,
		Endpoint: endpoint,
		Stream:   stream,
	})
	if err != nil {
		return 0, err
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeBulk, "reading result header").WithDetail("stream", stream)
	}

	n := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, errors.ErrorTypeBulk, "reading result row").
				WithDetail("stream", stream).WithDetail("result_id", resultID)
		}
		rec := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		if err := emit(rec); err != nil {
			return n, err
		}
		n++
	}
}

func decodeBatchInfo(body []byte, stream string) (BatchInfo, error) {
	var info BatchInfo
	var err error
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal(body, &info)
	} else {
		err = xml.Unmarshal(body, &info)
	}
	if err != nil {
		return BatchInfo{}, errors.Wrap(err, errors.ErrorTypeBulk, "decoding batch info").WithDetail("stream", stream)
	}
	return info, nil
}

// Checkpoint is called whenever job bookkeeping changes so state can be emitted.
type Checkpoint func() error

// Job describes one bulk extraction.
type Job struct {
	Stream  string
	Object  string
	Queries []string
	Emit    func(map[string]any) error
}

// Run creates a job with one batch per query, closes it, then drains every
// batch in order. Job and batch ids are kept in store while outstanding.
func (c *Controller) Run(ctx context.Context, job Job, store *state.Store, checkpoint Checkpoint) (err error) {
	ctx, span := observability.StartSpan(ctx, "bulk.run", observability.Stream(job.Stream), observability.Object(job.Object))
	defer func() { observability.EndSpan(span, err) }()

	if len(job.Queries) == 0 {
		return nil
	}
	if c.governor != nil {
		if err := c.governor.Baseline(ctx, c.client); err != nil {
			return err
		}
	}

	jobID, err := c.CreateJob(ctx, job.Stream, job.Object)
	if err != nil {
		return err
	}
	span.SetAttributes(observability.JobID(jobID))

	batchIDs := make([]string, 0, len(job.Queries))
	for _, q := range job.Queries {
		info, err := c.AddBatch(ctx, job.Stream, jobID, q)
		if err != nil {
			return err
		}
		batchIDs = append(batchIDs, info.ID)
	}
	if err := c.CloseJob(ctx, job.Stream, jobID); err != nil {
		return err
	}

	store.SetJob(job.Stream, jobID, batchIDs)
	if err := runCheckpoint(checkpoint); err != nil {
		return err
	}
	return c.ProcessBatches(ctx, job.Stream, jobID, batchIDs, job.Emit, store, checkpoint)
}

// ProcessBatches polls and drains each batch, removing it from the bookmark
// once its rows are emitted. A failed batch clears the job from the bookmark.
func (c *Controller) ProcessBatches(ctx context.Context, stream, jobID string, batchIDs []string,
	emit func(map[string]any) error, store *state.Store, checkpoint Checkpoint) error {
	for _, batchID := range batchIDs {
		if _, err := c.Poll(ctx, stream, jobID, batchID); err != nil {
			if errors.IsBulkBatchFailedError(err) {
				store.ClearJob(stream)
			}
			return err
		}
		n, err := c.FetchResults(ctx, stream, jobID, batchID, emit)
		if err != nil {
			return err
		}
		c.logger.Info("batch drained",
			zap.String("stream", stream), zap.String("batch_id", batchID), zap.Int("rows", n))

		store.RemoveBatch(stream, batchID)
		if err := runCheckpoint(checkpoint); err != nil {
			return err
		}
	}
	return nil
}

// Resume drains the job recorded in the bookmark, if it still exists. It
// reports whether a job was resumed.
func (c *Controller) Resume(ctx context.Context, stream string, emit func(map[string]any) error,
	store *state.Store, checkpoint Checkpoint) (bool, error) {
	b, ok := store.Get(stream)
	if !ok || b.JobID == "" {
		return false, nil
	}

	exists, err := c.JobExists(ctx, stream, b.JobID)
	if err != nil {
		return false, err
	}
	if !exists {
		c.logger.Warn("bookmarked bulk job no longer exists, starting from replication key",
			zap.String("stream", stream), zap.String("job_id", b.JobID))
		store.ClearJob(stream)
		return false, runCheckpoint(checkpoint)
	}

	c.logger.Info("resuming bulk job",
		zap.String("stream", stream), zap.String("job_id", b.JobID), zap.Int("batches", len(b.BatchIDs)))
	if err := c.ProcessBatches(ctx, stream, b.JobID, b.BatchIDs, emit, store, checkpoint); err != nil {
		return true, err
	}
	return true, nil
}

func runCheckpoint(cp Checkpoint) error {
	if cp == nil {
		return nil
	}
	return cp()
}
