// Package store persists jobs, settings, templates and caches in an embedded
// SQLite database. It is the single mutation authority for job records: every
// status change goes through the state machine in the jobs package, and every
// write carries a compare-and-swap guard so concurrent workers cannot clobber
// each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pixelpipe.3jms.dev/jobs"
)

var (
	// ErrNotFound means no record matches the identifier.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a compare-and-swap guard rejected the write because
	// the record changed (or its lease moved) underneath the caller.
	ErrConflict = errors.New("concurrent modification")
	// ErrNotRetryable means the job's failure code or attempt budget forbids
	// another attempt.
	ErrNotRetryable = errors.New("job is not retryable")
)

// Store wraps the gorm handle. One Store serves the whole process; SQLite's
// single-writer model plus WAL keeps it safe across goroutines.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path, applies
// pending migrations and returns the store. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for sibling stores (settings, templates).
func (s *Store) DB() *gorm.DB { return s.db }

// Create inserts a new job for the (sku, image_hash, theme) triple. When the
// triple already exists the existing record is returned with created=false;
// the unique constraint, not application logic, is the deduplication
// authority.
func (s *Store) Create(ctx context.Context, sku, imageHash, theme, sourceURL string) (*jobs.Job, bool, error) {
	now := time.Now().UTC()
	job := &jobs.Job{
		ID:              uuid.NewString(),
		SKU:             sku,
		ImageHash:       imageHash,
		Theme:           theme,
		Status:          jobs.StatusNew,
		SourceURL:       sourceURL,
		BackgroundKeys:  jobs.StringList{},
		CompositeKeys:   jobs.StringList{},
		DerivativeKeys:  jobs.StringList{},
		ShopifyMediaIDs: jobs.StringList{},
		StepTimings:     jobs.StepTimings{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if !isDuplicate(err) {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	existing, gerr := s.getByTriple(ctx, sku, imageHash, theme)
	if gerr != nil {
		return nil, false, gerr
	}
	return existing, false, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) getByTriple(ctx context.Context, sku, imageHash, theme string) (*jobs.Job, error) {
	var job jobs.Job
	err := s.db.WithContext(ctx).
		Where("sku = ? AND image_hash = ? AND theme = ?", sku, imageHash, theme).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return &job, nil
}

// Get loads one job by id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &job, nil
}

// ListFilter narrows List. Zero values mean "no constraint"; Limit falls back
// to 50 and is capped at 500.
type ListFilter struct {
	Statuses []jobs.Status
	SKU      string
	Theme    string
	Limit    int
	Offset   int
}

// List returns jobs newest-first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]jobs.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobs.Job{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.SKU != "" {
		q = q.Where("sku = ?", filter.SKU)
	}
	if filter.Theme != "" {
		q = q.Where("theme = ?", filter.Theme)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var out []jobs.Job
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// persistTransition writes the merged snapshot produced by jobs.Transition.
// The WHERE clause re-checks the pre-transition status (and lease owner when
// given), so a racing writer turns into ErrConflict instead of a lost update.
func (s *Store) persistTransition(ctx context.Context, prev *jobs.Job, merged *jobs.Job, owner string) error {
	// Transitions always release the lease; the processor re-leases for the
	// next step.
	merged.LeaseOwner = ""
	merged.LeaseUntil = nil

	q := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("id = ? AND status = ?", prev.ID, prev.Status)
	if owner != "" {
		q = q.Where("lease_owner = ?", owner)
	}
	res := q.Select("*").Omit("id", "created_at").Updates(merged)
	if res.Error != nil {
		return fmt.Errorf("persist transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateStatus validates the transition against the state machine and
// persists the merged record. It is used by admin routes; workers holding a
// lease use UpdateStatusOwned.
func (s *Store) UpdateStatus(ctx context.Context, id string, target jobs.Status, upd jobs.Update) (*jobs.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := jobs.Transition(job, target, upd, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.persistTransition(ctx, job, merged, ""); err != nil {
		return nil, err
	}
	return merged, nil
}

// UpdateStatusOwned is UpdateStatus with a lease guard: the write succeeds
// only while owner still holds the lease.
func (s *Store) UpdateStatusOwned(ctx context.Context, id, owner string, target jobs.Status, upd jobs.Update) (*jobs.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := jobs.Transition(job, target, upd, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.persistTransition(ctx, job, merged, owner); err != nil {
		return nil, err
	}
	return merged, nil
}

// SetArtifacts merges artifact references into the record without a state
// change, for mid-step progress. Monotonicity is enforced by the merge.
func (s *Store) SetArtifacts(ctx context.Context, id string, upd jobs.Update) (*jobs.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := jobs.ApplyUpdate(job, upd, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("id = ? AND updated_at = ?", job.ID, job.UpdatedAt).
		Select("*").Omit("id", "created_at").Updates(merged)
	if res.Error != nil {
		return nil, fmt.Errorf("persist artifacts: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return merged, nil
}

// IncrementAttempt bumps the attempt counter.
func (s *Store) IncrementAttempt(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET attempt = attempt + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if res.Error != nil {
		return fmt.Errorf("increment attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCost accumulates provider spend on the record. Negative deltas are
// rejected; cost only ever grows.
func (s *Store) AddCost(ctx context.Context, id string, deltaUSD float64) error {
	if deltaUSD < 0 {
		return fmt.Errorf("cost delta must not be negative, got %v", deltaUSD)
	}
	if deltaUSD == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		deltaUSD, time.Now().UTC(), id)
	if res.Error != nil {
		return fmt.Errorf("add cost: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LeaseRunnable claims up to limit runnable jobs for owner. A job is runnable
// when it is non-terminal and either unleased or its lease expired. Claimed
// jobs carry lease_until = now + ttl; expiry makes work stolen from a crashed
// worker rather than stuck.
func (s *Store) LeaseRunnable(ctx context.Context, limit int, owner string, ttl time.Duration) ([]jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	until := now.Add(ttl)

	var claimed []jobs.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []jobs.Job
		err := tx.
			Where("status NOT IN ?", []jobs.Status{jobs.StatusDone, jobs.StatusFailed}).
			Where("lease_owner = '' OR lease_until IS NULL OR lease_until <= ?", now).
			Order("created_at ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("select runnable: %w", err)
		}
		for i := range candidates {
			res := tx.Model(&jobs.Job{}).
				Where("id = ?", candidates[i].ID).
				Updates(map[string]interface{}{
					"lease_owner": owner,
					"lease_until": until,
					"updated_at":  now,
				})
			if res.Error != nil {
				return fmt.Errorf("claim %s: %w", candidates[i].ID, res.Error)
			}
			candidates[i].LeaseOwner = owner
			u := until
			candidates[i].LeaseUntil = &u
			candidates[i].UpdatedAt = now
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseLease drops owner's lease on the job. A mismatched or absent lease
// is a no-op: the lease already moved on.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_owner = ?`,
		time.Now().UTC(), id, owner).Error
}

// Retry rolls a failed job back to the deepest state its artifacts satisfy
// and bumps the attempt counter. FAILED has no outgoing graph edges, so this
// is deliberately a store operation, not a transition.
func (s *Store) Retry(ctx context.Context, id string, maxAttempts int) (*jobs.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !jobs.CanRetry(job, maxAttempts) {
		return nil, fmt.Errorf("%w: status=%s code=%s attempt=%d",
			ErrNotRetryable, job.Status, job.ErrorCode, job.Attempt)
	}

	target := jobs.RetryTarget(job)
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("id = ? AND status = ?", id, jobs.StatusFailed).
		Updates(map[string]interface{}{
			"status":       target,
			"attempt":      job.Attempt + 1,
			"lease_owner":  "",
			"lease_until":  nil,
			"completed_at": nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("retry job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

// MarkRetriesExhausted stamps MaxRetriesExceeded on an already-failed job
// after its final retry. FAILED is terminal, so this targeted update is the
// only legal way to amend the code.
func (s *Store) MarkRetriesExhausted(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET error_code = ?, updated_at = ? WHERE id = ? AND status = ?`,
		jobs.ErrCodeMaxRetriesExceeded, time.Now().UTC(), id, jobs.StatusFailed)
	if res.Error != nil {
		return fmt.Errorf("mark retries exhausted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ManualFail forces a job into FAILED with the given taxonomy code, for
// operator intervention on stuck work.
func (s *Store) ManualFail(ctx context.Context, id string, code jobs.ErrorCode, message string) (*jobs.Job, error) {
	if !code.Valid() {
		return nil, fmt.Errorf("unknown error code %q", code)
	}
	return s.UpdateStatus(ctx, id, jobs.StatusFailed, jobs.Update{
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
}

// CountDoneBySKU counts completed jobs for the SKU, for the intake quota.
func (s *Store) CountDoneBySKU(ctx context.Context, sku string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("sku = ? AND status = ?", sku, jobs.StatusDone).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count done jobs: %w", err)
	}
	return n, nil
}

// Stats summarizes the job table for the /stats endpoint.
type Stats struct {
	Total        int64                 `json:"total"`
	ByStatus     map[jobs.Status]int64 `json:"byStatus"`
	TotalCostUSD float64               `json:"totalCostUsd"`
	AvgDoneMS    int64                 `json:"avgDoneMs"`
	FailureRate  float64               `json:"failureRate"`
}

// Stats aggregates counts, spend, completion latency and failure rate.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{ByStatus: make(map[jobs.Status]int64)}

	type row struct {
		Status jobs.Status
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for _, r := range rows {
		out.ByStatus[r.Status] = r.N
		out.Total += r.N
	}

	if err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Select("COALESCE(SUM(cost_usd), 0)").Scan(&out.TotalCostUSD).Error; err != nil {
		return nil, fmt.Errorf("stats cost: %w", err)
	}

	var avgMS *float64
	err = s.db.WithContext(ctx).Raw(
		`SELECT AVG((julianday(completed_at) - julianday(created_at)) * 86400000.0)
		 FROM jobs WHERE status = ? AND completed_at IS NOT NULL`,
		jobs.StatusDone).Scan(&avgMS).Error
	if err != nil {
		return nil, fmt.Errorf("stats latency: %w", err)
	}
	if avgMS != nil {
		out.AvgDoneMS = int64(*avgMS)
	}

	done := out.ByStatus[jobs.StatusDone]
	failed := out.ByStatus[jobs.StatusFailed]
	if done+failed > 0 {
		out.FailureRate = float64(failed) / float64(done+failed)
	}
	return out, nil
}
