package intake

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelpipe.3jms.dev/config"
	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/store"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pixelpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func webhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Secret:         "s3cret",
		ImageMaxPerSKU: 4,
		DefaultTheme:   "studio",
	}
}

func validPayload() *Payload {
	return &Payload{
		SKU:      "ABC-1",
		ImageURL: "https://cdn.example.com/i.jpg",
		SHA256:   testHash,
	}
}

func TestPayloadValidation(t *testing.T) {
	require.Nil(t, validPayload().Validate())

	tests := []struct {
		name   string
		mutate func(*Payload)
		field  string
	}{
		{"empty sku", func(p *Payload) { p.SKU = "" }, "sku"},
		{"sku too long", func(p *Payload) { p.SKU = strings.Repeat("a", 101) }, "sku"},
		{"sku bad chars", func(p *Payload) { p.SKU = "a b" }, "sku"},
		{"relative url", func(p *Payload) { p.ImageURL = "/i.jpg" }, "imageUrl"},
		{"ftp url", func(p *Payload) { p.ImageURL = "ftp://x/i.jpg" }, "imageUrl"},
		{"hash 63 chars", func(p *Payload) { p.SHA256 = testHash[:63] }, "sha256"},
		{"hash 65 chars", func(p *Payload) { p.SHA256 = testHash + "a" }, "sha256"},
		{"hash uppercase", func(p *Payload) { p.SHA256 = strings.ToUpper(testHash) }, "sha256"},
		{"bad takenAt", func(p *Payload) { p.TakenAt = "yesterday" }, "takenAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			verr := p.Validate()
			require.NotNil(t, verr)
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected a %s error, got %v", tt.field, verr.Fields)
		})
	}

	t.Run("all violations reported at once", func(t *testing.T) {
		p := &Payload{}
		verr := p.Validate()
		require.NotNil(t, verr)
		assert.GreaterOrEqual(t, len(verr.Fields), 3)
	})
}

func TestAuthorize(t *testing.T) {
	body := []byte(`{"sku":"ABC-1"}`)

	t.Run("valid signature on any accepted header", func(t *testing.T) {
		i := New(nil, webhookConfig(), false)
		for _, name := range SignatureHeaders {
			h := http.Header{}
			h.Set(name, Sign("s3cret", body))
			assert.NoError(t, i.Authorize(h, body), name)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		i := New(nil, webhookConfig(), false)
		assert.ErrorIs(t, i.Authorize(http.Header{}, body), ErrUnauthorized)
	})

	t.Run("wrong signature", func(t *testing.T) {
		i := New(nil, webhookConfig(), false)
		h := http.Header{}
		h.Set("X-3JMS-Signature", Sign("other", body))
		assert.ErrorIs(t, i.Authorize(h, body), ErrUnauthorized)
	})

	t.Run("bypass needs flag and absent secret", func(t *testing.T) {
		cfg := webhookConfig()
		cfg.Secret = ""
		cfg.SkipVerification = true
		assert.NoError(t, New(nil, cfg, false).Authorize(http.Header{}, body))

		// Flag without absent secret: the secret is enforced.
		cfg = webhookConfig()
		cfg.SkipVerification = true
		assert.ErrorIs(t, New(nil, cfg, false).Authorize(http.Header{}, body), ErrUnauthorized)

		// Absent secret without the flag.
		cfg = webhookConfig()
		cfg.Secret = ""
		assert.ErrorIs(t, New(nil, cfg, false).Authorize(http.Header{}, body), ErrUnauthorized)
	})

	t.Run("bypass never applies in production", func(t *testing.T) {
		cfg := webhookConfig()
		cfg.Secret = ""
		cfg.SkipVerification = true
		assert.ErrorIs(t, New(nil, cfg, true).Authorize(http.Header{}, body), ErrUnauthorized)
	})
}

func TestAcceptCreatesAndDeduplicates(t *testing.T) {
	s := testStore(t)
	i := New(s, webhookConfig(), false)
	ctx := context.Background()

	res, err := i.Accept(ctx, validPayload())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, jobs.StatusNew, res.Job.Status)
	assert.Equal(t, "studio", res.Job.Theme)

	dup, err := i.Accept(ctx, validPayload())
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, res.Job.ID, dup.Job.ID)
	assert.Equal(t, 0, dup.Job.Attempt)
}

func TestAcceptRejectsInvalidPayload(t *testing.T) {
	s := testStore(t)
	i := New(s, webhookConfig(), false)

	p := validPayload()
	p.SHA256 = "short"
	_, err := i.Accept(context.Background(), p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAcceptEnforcesQuota(t *testing.T) {
	s := testStore(t)
	cfg := webhookConfig()
	cfg.ImageMaxPerSKU = 1
	i := New(s, cfg, false)
	ctx := context.Background()

	// One completed job for the SKU fills the quota of 1.
	job, _, err := s.Create(ctx, "Q-1", testHash, "studio", "u")
	require.NoError(t, err)
	driveToDone(t, s, job)

	p := validPayload()
	p.SKU = "Q-1"
	p.SHA256 = strings.Repeat("b", 64)
	_, err = i.Accept(ctx, p)
	assert.ErrorIs(t, err, ErrQuotaReached)

	// No job was created for the rejected delivery.
	listed, err := s.List(ctx, store.ListFilter{SKU: "Q-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func driveToDone(t *testing.T, s *store.Store, job *jobs.Job) {
	t.Helper()
	ctx := context.Background()
	str := func(v string) *string { return &v }

	steps := []struct {
		target jobs.Status
		upd    jobs.Update
	}{
		{jobs.StatusBGRemoved, jobs.Update{OriginalKey: str("o"), CutoutKey: str("c"), MaskKey: str("m")}},
		{jobs.StatusBackgroundReady, jobs.Update{BackgroundKeys: []string{"b"}}},
		{jobs.StatusComposited, jobs.Update{CompositeKeys: []string{"x"}}},
		{jobs.StatusDerivatives, jobs.Update{DerivativeKeys: []string{"d"}, ManifestKey: str("mf")}},
		{jobs.StatusShopifyPush, jobs.Update{MediaIDs: []string{"gid://1"}, ShopifyProductID: str("p")}},
		{jobs.StatusDone, jobs.Update{}},
	}
	for _, step := range steps {
		var err error
		_, err = s.UpdateStatus(ctx, job.ID, step.target, step.upd)
		require.NoError(t, err)
	}
}
