package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poflow.merchantry.io/config"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/workflow"
)

type fakeStarter struct {
	res *workflow.StartResult
	err error
	got workflow.StartRequest
}

func (f *fakeStarter) Start(ctx context.Context, req workflow.StartRequest) (*workflow.StartResult, error) {
	f.got = req
	return f.res, f.err
}

type fakeReader struct {
	exec   *model.WorkflowExecution
	stages []*model.WorkflowStageExecution
	err    error
}

func (f *fakeReader) GetExecution(ctx context.Context, workflowID string) (*model.WorkflowExecution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.exec, nil
}

func (f *fakeReader) ListStageExecutions(ctx context.Context, workflowID string) ([]*model.WorkflowStageExecution, error) {
	return f.stages, nil
}

type fakeUploads struct {
	rows []*model.Upload
	err  error
}

func (f *fakeUploads) Insert(ctx context.Context, u *model.Upload) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, u)
	return nil
}

type fakeObjects struct {
	keys map[string][]byte
	err  error
}

func (f *fakeObjects) Put(ctx context.Context, key, contentType string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.keys == nil {
		f.keys = map[string][]byte{}
	}
	f.keys[key] = data
	return nil
}

func testServer(t *testing.T, mutate func(*Options)) (*Server, *fakeStarter, *fakeUploads, *fakeObjects) {
	t.Helper()
	starter := &fakeStarter{res: &workflow.StartResult{WorkflowID: "wf_1"}}
	uploads := &fakeUploads{}
	objects := &fakeObjects{}
	opts := Options{
		Config: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			MaxUploadBytes: 1 << 20,
		},
		Workflows: starter,
		Uploads:   uploads,
		Objects:   objects,
		Status: &fakeReader{
			exec: &model.WorkflowExecution{
				WorkflowID:   "wf_1",
				MerchantID:   "m1",
				CurrentStage: model.StageAIParsing,
				Status:       model.WorkflowProcessing,
			},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), starter, uploads, objects
}

func multipartUpload(t *testing.T, merchantID, filename string, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if merchantID != "" {
		require.NoError(t, w.WriteField("merchantId", merchantID))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestUploadStartsWorkflow(t *testing.T) {
	srv, starter, uploads, objects := testServer(t, nil)

	buf, ct := multipartUpload(t, "m1", "invoice.pdf", []byte("%PDF-1.4 fake"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "wf_1", res.WorkflowID)
	assert.NotEmpty(t, res.UploadID)
	assert.False(t, res.Deduped)

	require.Len(t, uploads.rows, 1)
	row := uploads.rows[0]
	assert.Equal(t, "invoice.pdf", row.FileName)
	assert.Equal(t, "m1", row.MerchantID)
	assert.EqualValues(t, len("%PDF-1.4 fake"), row.SizeBytes)
	assert.Contains(t, objects.keys, row.StorageKey, "bytes parked under the recorded key")

	assert.Equal(t, row.ID, starter.got.UploadID)
	assert.Equal(t, "m1", starter.got.MerchantID)
}

func TestUploadReportsDedup(t *testing.T) {
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Workflows = &fakeStarter{res: &workflow.StartResult{WorkflowID: "wf_existing", Deduped: true}}
	})

	buf, ct := multipartUpload(t, "m1", "invoice.pdf", []byte("bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var res uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "wf_existing", res.WorkflowID)
	assert.True(t, res.Deduped)
}

func TestUploadValidation(t *testing.T) {
	srv, _, uploads, _ := testServer(t, nil)

	t.Run("missing merchant", func(t *testing.T) {
		buf, ct := multipartUpload(t, "", "invoice.pdf", []byte("bytes"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		buf, ct := multipartUpload(t, "m1", "", nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Empty(t, uploads.rows, "rejected uploads leave no rows")
}

func TestUploadSizeLimit(t *testing.T) {
	srv, _, _, objects := testServer(t, func(o *Options) {
		o.Config.MaxUploadBytes = 16
	})

	buf, ct := multipartUpload(t, "m1", "big.pdf", bytes.Repeat([]byte("x"), 64))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, objects.keys)
}

func TestUploadObjectStoreFailure(t *testing.T) {
	srv, _, uploads, _ := testServer(t, func(o *Options) {
		o.Objects = &fakeObjects{err: errors.New("bucket gone")}
	})

	buf, ct := multipartUpload(t, "m1", "invoice.pdf", []byte("bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", buf)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, uploads.rows)
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Config.APIKeys = []string{"k1", "k2"}
	})

	get := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf_1", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, get(""))
	assert.Equal(t, http.StatusUnauthorized, get("wrong"))
	assert.Equal(t, http.StatusOK, get("k1"))
	assert.Equal(t, http.StatusOK, get("k2"))
}

func TestAPIKeyAuthDisabledWhenEmpty(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf_1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowStatus(t *testing.T) {
	started := time.Now().UTC()
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Status = &fakeReader{
			exec: &model.WorkflowExecution{
				WorkflowID:   "wf_1",
				MerchantID:   "m1",
				CurrentStage: model.StageDatabaseSave,
				Status:       model.WorkflowProcessing,
				Progress:     20,
			},
			stages: []*model.WorkflowStageExecution{
				{WorkflowID: "wf_1", StageName: model.StageAIParsing, Status: model.StageCompleted, StartedAt: started},
			},
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf_1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "wf_1", res.Execution.WorkflowID)
	assert.Equal(t, model.StageDatabaseSave, res.Execution.CurrentStage)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, model.StageAIParsing, res.Stages[0].StageName)
}

func TestWorkflowStatusNotFound(t *testing.T) {
	srv, _, _, _ := testServer(t, func(o *Options) {
		o.Status = &fakeReader{err: db.ErrNotFound}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv, _, _, _ := testServer(t, func(o *Options) {
			o.Database = HealthFunc(func(ctx context.Context) error { return nil })
			o.Broker = HealthFunc(func(ctx context.Context) error { return nil })
		})
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var res healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "ok", res.Status)
		assert.Equal(t, "ok", res.Checks["database"])
		assert.Equal(t, "ok", res.Checks["broker"])
	})

	t.Run("degraded on database failure", func(t *testing.T) {
		srv, _, _, _ := testServer(t, func(o *Options) {
			o.Database = HealthFunc(func(ctx context.Context) error { return errors.New("pool cold") })
			o.Broker = HealthFunc(func(ctx context.Context) error { return nil })
		})
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var res healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "degraded", res.Status)
		assert.Equal(t, "pool cold", res.Checks["database"])
	})
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
