package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"pixelpipe.3jms.dev/compositor"
	"pixelpipe.3jms.dev/store"
)

func (s *Server) handleListSettings(c echo.Context) error {
	ctx := c.Request().Context()
	rows, err := s.deps.Store.ListSettings(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not list settings", nil)
	}

	// Effective values include the defaults for unset typed keys.
	sharp, err := s.deps.Store.SharpSettings(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not read settings", nil)
	}
	workflow, err := s.deps.Store.WorkflowPreference(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not read settings", nil)
	}
	promptID, err := s.deps.Store.SelectedPromptID(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not read settings", nil)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"settings": rows,
		"effective": map[string]interface{}{
			store.SettingWorkflowPreference: workflow,
			store.SettingSharpSettings:      sharp,
			store.SettingSelectedPromptID:   promptID,
		},
	})
}

// settingRequest carries a new value; the shape depends on the key.
type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handlePutSetting(c echo.Context) error {
	var req settingRequest
	if err := c.Bind(&req); err != nil || len(req.Value) == 0 {
		return errJSON(c, http.StatusBadRequest, "body must carry a value", nil)
	}
	ctx := c.Request().Context()
	key := c.Param("key")

	asString := func() (string, error) {
		var v string
		return v, json.Unmarshal(req.Value, &v)
	}

	switch key {
	case store.SettingWorkflowPreference:
		v, err := asString()
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a string", nil)
		}
		if err := s.deps.Store.SetWorkflowPreference(ctx, v); err != nil {
			return errJSON(c, http.StatusBadRequest, err.Error(), nil)
		}

	case store.SettingAICompositor:
		v, err := asString()
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a string", nil)
		}
		switch v {
		case "none", "freepik", "nanobanana":
		default:
			return errJSON(c, http.StatusBadRequest, "unknown ai_compositor "+v, nil)
		}
		if err := s.deps.Store.SetSetting(ctx, key, v); err != nil {
			return errJSON(c, http.StatusInternalServerError, "could not store setting", nil)
		}

	case store.SettingSharpWorkflow:
		var v bool
		if err := json.Unmarshal(req.Value, &v); err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a boolean", nil)
		}
		if err := s.deps.Store.SetSetting(ctx, key, strconv.FormatBool(v)); err != nil {
			return errJSON(c, http.StatusInternalServerError, "could not store setting", nil)
		}

	case store.SettingSharpSettings:
		var v compositor.Settings
		if err := json.Unmarshal(req.Value, &v); err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a settings object", nil)
		}
		if err := s.deps.Store.SetSharpSettings(ctx, v); err != nil {
			return errJSON(c, http.StatusBadRequest, err.Error(), nil)
		}

	case store.SettingSelectedPromptID:
		v, err := asString()
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a string", nil)
		}
		if _, err := s.deps.Store.GetPrompt(ctx, v); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errJSON(c, http.StatusBadRequest, "unknown prompt "+v, nil)
			}
			return errJSON(c, http.StatusInternalServerError, "could not verify prompt", nil)
		}
		if err := s.deps.Store.SetSetting(ctx, key, v); err != nil {
			return errJSON(c, http.StatusInternalServerError, "could not store setting", nil)
		}

	case store.SettingActiveBackgroundTemplate:
		v, err := asString()
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "value must be a string", nil)
		}
		if err := s.deps.Store.ActivateTemplate(ctx, v); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errJSON(c, http.StatusBadRequest, "unknown template "+v, nil)
			}
			return errJSON(c, http.StatusBadRequest, err.Error(), nil)
		}

	default:
		return errJSON(c, http.StatusBadRequest, "unknown setting "+key, nil)
	}

	return c.JSON(http.StatusOK, map[string]string{"key": key, "status": "updated"})
}

// promptRequest is the create/update body for custom prompts.
type promptRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (s *Server) handleListPrompts(c echo.Context) error {
	prompts, err := s.deps.Store.ListPrompts(c.Request().Context())
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not list prompts", nil)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"prompts": prompts})
}

func (s *Server) handleCreatePrompt(c echo.Context) error {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	p, err := s.deps.Store.CreatePrompt(c.Request().Context(), req.Name, req.Text)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleUpdatePrompt(c echo.Context) error {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	p, err := s.deps.Store.UpdatePrompt(c.Request().Context(), c.Param("id"), req.Name, req.Text)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "prompt not found", nil)
		}
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePrompt(c echo.Context) error {
	err := s.deps.Store.DeletePrompt(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "prompt not found", nil)
		}
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.NoContent(http.StatusNoContent)
}

// templateRequest is the create body for background templates.
type templateRequest struct {
	Name   string `json:"name"`
	Theme  string `json:"theme"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleListTemplates(c echo.Context) error {
	ctx := c.Request().Context()
	templates, err := s.deps.Store.ListTemplates(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not list templates", nil)
	}
	active, err := s.deps.Store.ActiveBackgroundTemplate(ctx)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not read active template", nil)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"templates": templates,
		"active":    active,
	})
}

func (s *Server) handleCreateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	t, err := s.deps.Store.CreateTemplate(c.Request().Context(), req.Name, req.Theme, req.Prompt)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleDeleteTemplate(c echo.Context) error {
	err := s.deps.Store.DeleteTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "template not found", nil)
		}
		return errJSON(c, http.StatusInternalServerError, "could not delete template", nil)
	}
	return c.NoContent(http.StatusNoContent)
}

// templateAssetRequest describes the upcoming upload.
type templateAssetRequest struct {
	ContentType string `json:"contentType"`
}

// handleTemplateAsset registers a new template image version and returns a
// presigned PUT the caller uploads the bytes to.
func (s *Server) handleTemplateAsset(c echo.Context) error {
	var req templateAssetRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "malformed body", nil)
	}
	if req.ContentType == "" {
		req.ContentType = "image/jpeg"
	}

	ctx := c.Request().Context()
	asset, err := s.deps.Store.AddTemplateAsset(ctx, c.Param("id"), req.ContentType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "template not found", nil)
		}
		return errJSON(c, http.StatusInternalServerError, "could not register asset", nil)
	}

	put, err := s.deps.Objects.PresignPut(ctx, asset.ObjectKey, s.cfg.PresignTTL)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not presign", nil)
	}
	get, err := s.deps.Objects.PresignGet(ctx, asset.ObjectKey, s.cfg.PresignTTL)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not presign", nil)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"asset": asset,
		"put":   put,
		"get":   get,
		"key":   asset.ObjectKey,
	})
}

func (s *Server) handleActivateTemplate(c echo.Context) error {
	err := s.deps.Store.ActivateTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "template not found", nil)
		}
		return errJSON(c, http.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleDeactivateTemplate(c echo.Context) error {
	if err := s.deps.Store.ActivateTemplate(c.Request().Context(), ""); err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not deactivate", nil)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
}
