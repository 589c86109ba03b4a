package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelpipe.3jms.dev/executor"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/providers"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
)

type fixture struct {
	store     *store.Store
	segmenter *providers.FakeSegmenter
	processor *Processor
	server    *httptest.Server
	hash      string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "pixelpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.Gray{Y: 180})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	sum := sha256.Sum256(buf.Bytes())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(server.Close)

	objects := storage.NewMemoryStore()
	shop := providers.NewFakeStorefront()
	shop.Products["ABC-1"] = providers.ProductRef{ProductID: "gid://shopify/Product/1"}

	f := &fixture{
		store:     s,
		segmenter: &providers.FakeSegmenter{Store: objects},
		server:    server,
		hash:      hex.EncodeToString(sum[:]),
	}
	exec := executor.New(executor.Deps{
		Store:      s,
		Objects:    objects,
		Segmenter:  f.segmenter,
		Generator:  &providers.FakeBackgroundGenerator{Store: objects},
		Storefront: shop,
		HTTPClient: server.Client(),
	}, executor.Config{BackgroundVariants: 1, Aspects: []string{"1x1"}})
	f.processor = New(s, exec, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.processor.Stop(ctx)
	})
	return f
}

func (f *fixture) createJob(t *testing.T, sku, hash string) *jobs.Job {
	t.Helper()
	job, _, err := f.store.Create(context.Background(), sku, hash, "studio", f.server.URL+"/i.jpg")
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, s *store.Store, id string, want jobs.Status, timeout time.Duration) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := s.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (now %s, code %s)", id, want, job.Status, job.ErrorCode)
	return nil
}

func TestProcessorDrivesJobToDone(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 25 * time.Millisecond, Concurrency: 2, MaxRetries: 3})
	job := f.createJob(t, "ABC-1", f.hash)

	require.NoError(t, f.processor.Start())
	done := waitForStatus(t, f.store, job.ID, jobs.StatusDone, 10*time.Second)

	assert.NotEmpty(t, done.ShopifyMediaIDs)
	assert.NotNil(t, done.CompletedAt)
	assert.Greater(t, done.CostUSD, 0.0)
	assert.Empty(t, done.LeaseOwner)
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 25 * time.Millisecond, Concurrency: 2, MaxRetries: 3})
	f.segmenter.FailTimes = 2
	job := f.createJob(t, "ABC-1", f.hash)

	require.NoError(t, f.processor.Start())
	// Backoff is 2s after the first failure and 4s after the second.
	done := waitForStatus(t, f.store, job.ID, jobs.StatusDone, 30*time.Second)

	assert.Equal(t, 2, done.Attempt)
	assert.Equal(t, 3, f.segmenter.Calls())
}

func TestProcessorStopsRetryingNonRetryable(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 25 * time.Millisecond, Concurrency: 2, MaxRetries: 3})
	// Wrong hash: the fetched bytes never match.
	job := f.createJob(t, "ABC-1", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	require.NoError(t, f.processor.Start())
	failed := waitForStatus(t, f.store, job.ID, jobs.StatusFailed, 10*time.Second)
	assert.Equal(t, jobs.ErrCodeInvalidImage, failed.ErrorCode)
	assert.Equal(t, 0, failed.Attempt)

	// Give the loop time to (wrongly) retry; it must not.
	time.Sleep(200 * time.Millisecond)
	loaded, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, loaded.Status)
	assert.Equal(t, 0, loaded.Attempt)
}

func TestProcessorStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 50 * time.Millisecond})

	assert.False(t, f.processor.Running())
	require.NoError(t, f.processor.Start())
	assert.True(t, f.processor.Running())
	assert.Error(t, f.processor.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.processor.Stop(ctx))
	assert.False(t, f.processor.Running())

	// Stopping a stopped processor is a no-op.
	require.NoError(t, f.processor.Stop(ctx))

	// A stopped processor can start again.
	require.NoError(t, f.processor.Start())
}

func TestProcessorStatusSnapshot(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 123 * time.Millisecond, Concurrency: 3, MaxRetries: 5})

	st := f.processor.Status()
	assert.False(t, st.IsRunning)
	assert.NotEmpty(t, st.Version)
	assert.Equal(t, int64(123), st.Config.PollIntervalMS)
	assert.Equal(t, 3, st.Config.Concurrency)
	assert.Equal(t, 5, st.Config.MaxRetries)
	assert.Empty(t, st.CurrentJobs)

	require.NoError(t, f.processor.Start())
	st = f.processor.Status()
	assert.True(t, st.IsRunning)
}

func TestProcessorRespectsConcurrencyBound(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 25 * time.Millisecond, Concurrency: 1, MaxRetries: 3})

	hashes := []string{f.hash}
	job1 := f.createJob(t, "ABC-1", hashes[0])
	// Second job for the same product, different synthetic hash. It will fail
	// on hash mismatch, which is fine: the bound is what is under test.
	job2 := f.createJob(t, "ABC-1", "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")

	require.NoError(t, f.processor.Start())
	waitForStatus(t, f.store, job1.ID, jobs.StatusDone, 10*time.Second)
	waitForStatus(t, f.store, job2.ID, jobs.StatusFailed, 10*time.Second)

	st := f.processor.Status()
	assert.LessOrEqual(t, len(st.CurrentJobs), 1)
}
