package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
)

// writeError maps store and query errors onto status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entities.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, entities.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		infrastructure.LoggerFrom(c.Request.Context(), h.log).Error().Err(err).Str("path", c.FullPath()).Msg("query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, ok := ParseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
	}
	return id, ok
}

func (h *Handler) GetOwner(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	owner, err := h.projections.GetOwner(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, owner)
}

func (h *Handler) ListRooms(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rooms, err := h.projections.ListRooms(c.Request.Context(), id, QueryInt(c.Query("limit"), 0), QueryInt(c.Query("offset"), 0))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetUsage returns the owner's daily usage counters (?days=, default 30)
func (h *Handler) GetUsage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	usage, err := h.projections.UsageHistory(c.Request.Context(), id, QueryInt(c.Query("days"), 30))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

func (h *Handler) ListSessions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	status := entities.SessionStatus(c.Query("status"))
	sessions, err := h.projections.ListSessions(c.Request.Context(), id, status, QueryInt(c.Query("limit"), 0), QueryInt(c.Query("offset"), 0))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	session, err := h.projections.GetSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	msgs, err := h.projections.ListMessages(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) GetSummary(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	summary, err := h.projections.GetSummary(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ExportSession downloads a session with its messages and summary (?format=json|csv)
func (h *Handler) ExportSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "csv" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or csv"})
		return
	}

	export, err := h.projections.ExportSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	filename := fmt.Sprintf("session-%d.%s", id, format)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if format == "json" {
		c.JSON(http.StatusOK, export)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := export.WriteCSV(c.Writer); err != nil {
		infrastructure.LoggerFrom(c.Request.Context(), h.log).Error().Err(err).Int64(infrastructure.FieldSessionID, id).Msg("csv export interrupted")
	}
}
