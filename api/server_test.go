package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelpipe.3jms.dev/config"
	"pixelpipe.3jms.dev/executor"
	"pixelpipe.3jms.dev/intake"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/processor"
	"pixelpipe.3jms.dev/providers"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
)

const (
	testSecret = "s3cret"
	testHash   = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type fixture struct {
	server  *Server
	store   *store.Store
	objects *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "pixelpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	objects := storage.NewMemoryStore()
	shop := providers.NewFakeStorefront()
	shop.Products["ABC-1"] = providers.ProductRef{ProductID: "gid://shopify/Product/1"}

	exec := executor.New(executor.Deps{
		Store:      s,
		Objects:    objects,
		Segmenter:  &providers.FakeSegmenter{Store: objects},
		Generator:  &providers.FakeBackgroundGenerator{Store: objects},
		Storefront: shop,
	}, executor.Config{})

	in := intake.New(s, config.WebhookConfig{
		Secret:         testSecret,
		ImageMaxPerSKU: 4,
		DefaultTheme:   "studio",
	}, false)

	proc := processor.New(s, exec, processor.Config{PollInterval: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Stop(ctx)
	})

	srv := NewServer(Deps{
		Store:     s,
		Objects:   objects,
		Intake:    in,
		Processor: proc,
		Executor:  exec,
	}, Config{MaxRetries: 3})

	return &fixture{server: srv, store: s, objects: objects}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

func signedWebhook(t *testing.T, f *fixture, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/webhooks/3jms/images", body, map[string]string{
		"X-3JMS-Signature": intake.Sign(testSecret, body),
	})
}

func webhookBody(sku, hash string) []byte {
	return []byte(fmt.Sprintf(`{"sku":%q,"imageUrl":"https://cdn.example.com/i.jpg","sha256":%q}`, sku, hash))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestWebhookLifecycle(t *testing.T) {
	f := newFixture(t)
	body := webhookBody("ABC-1", testHash)

	rec := signedWebhook(t, f, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created webhookResponse
	decode(t, rec, &created)
	assert.Equal(t, "created", created.Status)
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, jobs.StatusNew, created.Job.Status)

	// Repeat delivery is acknowledged without a new job.
	rec = signedWebhook(t, f, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var dup webhookResponse
	decode(t, rec, &dup)
	assert.Equal(t, "duplicate", dup.Status)
	assert.Equal(t, created.JobID, dup.JobID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := webhookBody("ABC-1", testHash)

	rec := f.do(t, http.MethodPost, "/webhooks/3jms/images", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks/3jms/images", body, map[string]string{
		"X-Signature": intake.Sign("wrong", body),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	body := webhookBody("ABC-1", "notahash")

	rec := signedWebhook(t, f, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody struct {
		Error   string              `json:"error"`
		Details []intake.FieldError `json:"details"`
	}
	decode(t, rec, &errBody)
	assert.Equal(t, "validation failed", errBody.Error)
	require.NotEmpty(t, errBody.Details)
	assert.Equal(t, "sha256", errBody.Details[0].Field)
}

func TestWebhookRejectsOversizePayload(t *testing.T) {
	f := newFixture(t)
	// 10 MiB of padding pushes the body over the ceiling.
	body := []byte(`{"sku":"ABC-1","pad":"` + strings.Repeat("x", 10<<20) + `"}`)
	rec := signedWebhook(t, f, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestJobRoutes(t *testing.T) {
	f := newFixture(t)
	rec := signedWebhook(t, f, webhookBody("ABC-1", testHash))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created webhookResponse
	decode(t, rec, &created)

	rec = f.do(t, http.MethodGet, "/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Jobs  []jobs.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	decode(t, rec, &listed)
	assert.Equal(t, 1, listed.Count)

	rec = f.do(t, http.MethodGet, "/jobs?status=DONE", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listed)
	assert.Zero(t, listed.Count)

	rec = f.do(t, http.MethodGet, "/jobs?status=BOGUS", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/"+created.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobs.Job
	decode(t, rec, &job)
	assert.Equal(t, created.JobID, job.ID)

	rec = f.do(t, http.MethodGet, "/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignRoutes(t *testing.T) {
	f := newFixture(t)
	rec := signedWebhook(t, f, webhookBody("ABC-1", testHash))
	var created webhookResponse
	decode(t, rec, &created)

	// Nothing uploaded yet for this type.
	rec = f.do(t, http.MethodGet, "/jobs/"+created.JobID+"/presign?type=cutout", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/"+created.JobID+"/presign", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The thumbnail key is derivable without an upload.
	rec = f.do(t, http.MethodGet, "/jobs/"+created.JobID+"/presign?type=thumbnail", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var presigned map[string]string
	decode(t, rec, &presigned)
	assert.Equal(t, storage.ThumbnailKey("ABC-1", testHash), presigned["key"])
	assert.NotEmpty(t, presigned["url"])

	body := []byte(`{"kind":"composite","aspect":"1x1","variant":2}`)
	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/presign", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair storage.PresignedPair
	decode(t, rec, &pair)
	assert.Equal(t, storage.CompositeKey("ABC-1", testHash, "studio", "1x1", 2, "main"), pair.Key)
	assert.NotEmpty(t, pair.Put)
	assert.NotEmpty(t, pair.Get)

	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/presign", []byte(`{"kind":"bogus"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryAndFailRoutes(t *testing.T) {
	f := newFixture(t)
	rec := signedWebhook(t, f, webhookBody("ABC-1", testHash))
	var created webhookResponse
	decode(t, rec, &created)

	// A NEW job is not retryable.
	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/retry", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Manual fail with a retryable code, then retry.
	body := []byte(`{"code":"SegmentFailed","message":"operator induced"}`)
	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/fail", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var failed jobs.Job
	decode(t, rec, &failed)
	assert.Equal(t, jobs.StatusFailed, failed.Status)

	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var retried jobs.Job
	decode(t, rec, &retried)
	assert.Equal(t, jobs.StatusNew, retried.Status)
	assert.Equal(t, 1, retried.Attempt)

	// Unknown code is rejected.
	rec = f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/fail", []byte(`{"code":"Bogus","message":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/nope/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessorRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/processor/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status processor.Status
	decode(t, rec, &status)
	assert.False(t, status.IsRunning)
	assert.NotEmpty(t, status.Version)

	rec = f.do(t, http.MethodPost, "/processor/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.True(t, status.IsRunning)

	// Double start conflicts.
	rec = f.do(t, http.MethodPost, "/processor/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/processor/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.False(t, status.IsRunning)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "ok", health["status"])

	rec = f.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.Stats
	decode(t, rec, &stats)
	assert.Zero(t, stats.Total)
}

func TestSettingsRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/settings/workflow_preference", []byte(`{"value":"seedream_edit"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/settings/workflow_preference", []byte(`{"value":"bogus"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/settings/sharp_workflow", []byte(`{"value":true}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/settings/sharp_settings",
		[]byte(`{"value":{"bottleHeightPercent":0.7,"quality":85,"format":"jpeg","gravity":"center","sharpen":0,"gamma":1.0}}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/settings/sharp_settings", []byte(`{"value":{"quality":5}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/settings/selected_prompt_id", []byte(`{"value":"nope"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/settings/made_up_key", []byte(`{"value":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Effective map[string]interface{} `json:"effective"`
	}
	decode(t, rec, &listed)
	assert.Equal(t, "seedream_edit", listed.Effective["workflow_preference"])
}

func TestPromptRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/prompts", []byte(`{"name":"moody","text":"dark slate"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var p store.CustomPrompt
	decode(t, rec, &p)

	rec = f.do(t, http.MethodPut, "/prompts/"+p.ID, []byte(`{"name":"moody2","text":"darker"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/prompts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Prompts []store.CustomPrompt `json:"prompts"`
	}
	decode(t, rec, &listed)
	assert.Len(t, listed.Prompts, 2) // seeded default + created

	// The default prompt is protected.
	rec = f.do(t, http.MethodDelete, "/prompts/"+store.DefaultPromptID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/prompts/"+p.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTemplateRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/templates", []byte(`{"name":"marble","theme":"studio"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var tpl store.BackgroundTemplate
	decode(t, rec, &tpl)

	// Activating before an asset exists is rejected.
	rec = f.do(t, http.MethodPost, "/templates/"+tpl.ID+"/activate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/templates/"+tpl.ID+"/assets", []byte(`{"contentType":"image/jpeg"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var asset struct {
		Key string `json:"key"`
		Put string `json:"put"`
	}
	decode(t, rec, &asset)
	assert.Equal(t, storage.TemplateAssetKey(tpl.ID, 1), asset.Key)
	assert.NotEmpty(t, asset.Put)

	rec = f.do(t, http.MethodPost, "/templates/"+tpl.ID+"/activate", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/templates", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Active string `json:"active"`
	}
	decode(t, rec, &listed)
	assert.Equal(t, tpl.ID, listed.Active)

	rec = f.do(t, http.MethodPost, "/templates/deactivate", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/templates/"+tpl.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
