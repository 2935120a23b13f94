package dedup

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/crm/internal/platform/auth"
)

// Response is the envelope every admin endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/admin", auth.RequireRole("admin"))
	admin.GET("/patients/duplicates", h.FindDuplicatePatients)
	admin.POST("/patients/merge", h.MergePatients)
	admin.POST("/visits/deduplicate", h.DeduplicateVisits)
}

func (h *Handler) FindDuplicatePatients(c echo.Context) error {
	report, err := h.svc.FindDuplicatePatients(c.Request().Context())
	if err != nil {
		return writeError(c, "Failed to find duplicate patients", err)
	}
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Message: strconv.Itoa(report.TotalGroups) + " duplicate groups found",
		Data:    report,
	})
}

func (h *Handler) MergePatients(c echo.Context) error {
	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, Response{Message: "Invalid request body", Error: err.Error()})
	}
	result, err := h.svc.MergePatients(c.Request().Context(), actor(c), req)
	if err != nil {
		return writeError(c, "Failed to merge patients", err)
	}
	msg := "Patients merged"
	if result.DryRun {
		msg = "Dry run completed, nothing was changed"
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: msg, Data: result})
}

func (h *Handler) DeduplicateVisits(c echo.Context) error {
	dryRun := false
	if v := c.QueryParam("dryRun"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, Response{Message: "dryRun must be true or false", Error: err.Error()})
		}
		dryRun = b
	}
	result, err := h.svc.DeduplicateVisits(c.Request().Context(), actor(c), dryRun)
	if err != nil {
		return writeError(c, "Failed to deduplicate visits", err)
	}
	msg := "Visits deduplicated"
	if result.DryRun {
		msg = "Dry run completed, nothing was changed"
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: msg, Data: result})
}

func actor(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return "unknown"
}

// writeError maps engine errors onto status codes.
func writeError(c echo.Context, msg string, err error) error {
	resp := Response{Message: msg, Error: err.Error()}
	status := http.StatusInternalServerError

	var partial *PartialRunError
	switch {
	case errors.As(err, &partial):
		resp.Data = partial.Result
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrRunInProgress):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("path", c.Path()).Msg(msg)
	}
	return c.JSON(status, resp)
}
