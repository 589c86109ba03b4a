package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/intake"
	"pixelpipe.3jms.dev/jobs"
)

// webhookResponse is the intake reply envelope.
type webhookResponse struct {
	JobID  string    `json:"jobId"`
	Status string    `json:"status"`
	Job    *jobs.Job `json:"job"`
}

// handleWebhook accepts one signed delivery. The raw body is captured before
// any JSON parsing so the signature covers exactly what was sent; the body
// ceiling is enforced by the route's BodyLimit middleware (413).
func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "unreadable body", nil)
	}

	if err := s.deps.Intake.Authorize(c.Request().Header, body); err != nil {
		return errJSON(c, http.StatusUnauthorized, "invalid signature", nil)
	}

	var payload intake.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed JSON body", nil)
	}

	res, err := s.deps.Intake.Accept(c.Request().Context(), &payload)
	if err != nil {
		var verr *intake.ValidationError
		switch {
		case errors.As(err, &verr):
			return errJSON(c, http.StatusBadRequest, "validation failed", verr.Fields)
		case errors.Is(err, intake.ErrQuotaReached):
			return errJSON(c, http.StatusBadRequest, "quota reached", err.Error())
		default:
			common.Logger.Error("webhook intake failed: ", err)
			return errJSON(c, http.StatusInternalServerError, "intake failed", nil)
		}
	}

	status := http.StatusOK
	marker := "duplicate"
	if res.Created {
		status = http.StatusCreated
		marker = "created"
	}
	return c.JSON(status, webhookResponse{
		JobID:  res.Job.ID,
		Status: marker,
		Job:    res.Job,
	})
}
