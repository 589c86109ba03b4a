package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"pixelpipe.3jms.dev/jobs"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
)

func (s *Server) handleListJobs(c echo.Context) error {
	filter := store.ListFilter{
		SKU:   c.QueryParam("sku"),
		Theme: c.QueryParam("theme"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return errJSON(c, http.StatusBadRequest, "unknown status "+string(status), nil)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errJSON(c, http.StatusBadRequest, "invalid limit", nil)
		}
		filter.Limit = n
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errJSON(c, http.StatusBadRequest, "invalid offset", nil)
		}
		filter.Offset = n
	}

	listed, err := s.deps.Store.List(c.Request().Context(), filter)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not list jobs", nil)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":   listed,
		"count":  len(listed),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) loadJob(c echo.Context) (*jobs.Job, error) {
	job, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errJSON(c, http.StatusNotFound, "job not found", nil)
	}
	if err != nil {
		return nil, errJSON(c, http.StatusInternalServerError, "could not load job", nil)
	}
	return job, nil
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.loadJob(c)
	if job == nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// artifactKey resolves the requested artifact type to the job's stored key.
// idx selects within list-valued artifacts.
func artifactKey(job *jobs.Job, typ string, idx int) (string, bool) {
	pick := func(list jobs.StringList) (string, bool) {
		if idx < 0 || idx >= len(list) {
			return "", false
		}
		return list[idx], true
	}
	switch typ {
	case "original":
		return job.OriginalKey, job.OriginalKey != ""
	case "cutout":
		return job.CutoutKey, job.CutoutKey != ""
	case "mask":
		return job.MaskKey, job.MaskKey != ""
	case "background":
		return pick(job.BackgroundKeys)
	case "composite":
		return pick(job.CompositeKeys)
	case "derivative":
		return pick(job.DerivativeKeys)
	case "manifest":
		return job.ManifestKey, job.ManifestKey != ""
	case "thumbnail":
		return storage.ThumbnailKey(job.SKU, job.ImageHash), true
	default:
		return "", false
	}
}

func (s *Server) handlePresignGet(c echo.Context) error {
	job, err := s.loadJob(c)
	if job == nil {
		return err
	}

	typ := c.QueryParam("type")
	if typ == "" {
		return errJSON(c, http.StatusBadRequest, "type query parameter is required", nil)
	}
	idx := 0
	if raw := c.QueryParam("index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errJSON(c, http.StatusBadRequest, "invalid index", nil)
		}
		idx = n
	}

	key, ok := artifactKey(job, typ, idx)
	if !ok {
		return errJSON(c, http.StatusNotFound, "artifact not available", nil)
	}
	url, err := s.deps.Objects.PresignGet(c.Request().Context(), key, s.cfg.PresignTTL)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not presign", nil)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url, "key": key})
}

// presignRequest names the artifact slot for a matched PUT/GET pair.
type presignRequest struct {
	Kind    string `json:"kind"`
	Variant int    `json:"variant"`
	Aspect  string `json:"aspect"`
	Type    string `json:"type"`
}

func (s *Server) handlePresignPair(c echo.Context) error {
	job, err := s.loadJob(c)
	if job == nil {
		return err
	}

	var req presignRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	if req.Variant <= 0 {
		req.Variant = 1
	}
	if req.Type == "" {
		req.Type = "main"
	}

	var key string
	switch req.Kind {
	case "original":
		key = storage.OriginalKey(job.SKU, job.ImageHash)
	case "cutout":
		key = storage.CutoutKey(job.SKU, job.ImageHash)
	case "mask":
		key = storage.MaskKey(job.SKU, job.ImageHash)
	case "background":
		key = storage.BackgroundKey(job.SKU, job.ImageHash, job.Theme, req.Variant)
	case "composite":
		if req.Aspect == "" {
			return errJSON(c, http.StatusBadRequest, "aspect is required for composites", nil)
		}
		key = storage.CompositeKey(job.SKU, job.ImageHash, job.Theme, req.Aspect, req.Variant, req.Type)
	case "thumbnail":
		key = storage.ThumbnailKey(job.SKU, job.ImageHash)
	case "manifest":
		key = storage.ManifestKey(job.SKU, job.ImageHash, job.Theme)
	default:
		return errJSON(c, http.StatusBadRequest, "unknown kind "+req.Kind, nil)
	}

	ctx := c.Request().Context()
	put, err := s.deps.Objects.PresignPut(ctx, key, s.cfg.PresignTTL)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not presign", nil)
	}
	get, err := s.deps.Objects.PresignGet(ctx, key, s.cfg.PresignTTL)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not presign", nil)
	}
	return c.JSON(http.StatusOK, storage.PresignedPair{Put: put, Get: get, Key: key})
}

func (s *Server) handleRetryJob(c echo.Context) error {
	job, err := s.deps.Store.Retry(c.Request().Context(), c.Param("id"), s.cfg.MaxRetries)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errJSON(c, http.StatusNotFound, "job not found", nil)
	case errors.Is(err, store.ErrNotRetryable):
		return errJSON(c, http.StatusBadRequest, "job is not retryable", err.Error())
	case errors.Is(err, store.ErrConflict):
		return errJSON(c, http.StatusConflict, "job changed concurrently", nil)
	case err != nil:
		return errJSON(c, http.StatusInternalServerError, "retry failed", nil)
	}
	return c.JSON(http.StatusOK, job)
}

// failRequest is the manual-fail body.
type failRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (s *Server) handleFailJob(c echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	if req.Message == "" {
		return errJSON(c, http.StatusBadRequest, "message is required", nil)
	}

	job, err := s.deps.Store.ManualFail(c.Request().Context(), c.Param("id"), jobs.ErrorCode(req.Code), req.Message)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "job not found", nil)
		}
		if te, ok := jobs.IsTransitionError(err); ok {
			return errJSON(c, http.StatusBadRequest, te.Error(), map[string]string{"code": string(te.Code)})
		}
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handlePushShopify(c echo.Context) error {
	job, err := s.loadJob(c)
	if job == nil {
		return err
	}

	pushed, err := s.deps.Executor.PushStorefront(c.Request().Context(), job)
	if err != nil {
		if te, ok := jobs.IsTransitionError(err); ok {
			return errJSON(c, http.StatusBadRequest, te.Error(), map[string]string{"code": string(te.Code)})
		}
		return errJSON(c, http.StatusInternalServerError, "push failed", err.Error())
	}
	return c.JSON(http.StatusOK, pushed)
}

func (s *Server) handleProcessorStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Processor.Status())
}

func (s *Server) handleProcessorStart(c echo.Context) error {
	if err := s.deps.Processor.Start(); err != nil {
		return errJSON(c, http.StatusConflict, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, s.deps.Processor.Status())
}

func (s *Server) handleProcessorStop(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.deps.Processor.Stop(ctx); err != nil {
		return errJSON(c, http.StatusInternalServerError, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, s.deps.Processor.Status())
}
