package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/shot"
)

type shotBody struct {
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	Filters     []string        `json:"filters"`
	TriggerKind string          `json:"trigger_kind"`
}

// PostShot creates a shot in `draft` (spec §6.1 "Shots lifecycle").
func (h *Handler) PostShot(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	var body shotBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		abortErr(c, gwerr.CodeBadRequest, "title and content are required")
		return
	}
	if err := validateContent(body.Content); err != nil {
		abortErr(c, gwerr.CodeBadRequest, err.Error())
		return
	}
	if body.TriggerKind == "" {
		body.TriggerKind = "now"
	}

	id, err := h.store.CreateShot(c.Request.Context(), slug, body.Title, body.Content, body.Filters, body.TriggerKind)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

// ListShots lists a tenant's shots.
func (h *Handler) ListShots(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	shots, err := h.store.ListShots(c.Request.Context(), slug)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "shots": shots})
}

// GetShot returns one shot's full state, including send counters.
func (h *Handler) GetShot(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	sh, err := h.store.GetShot(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"ok": false, "error": "shot not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "shot": sh})
}

func (h *Handler) shotID(c *gin.Context) (int64, bool) {
	if _, ok := h.loadBot(c, c.Param("slug")); !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortErr(c, gwerr.CodeBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// PostShotPopulate resolves the shot's filters into a recipient set and
// bulk-inserts the queue (spec §4.7 `populate`).
func (h *Handler) PostShotPopulate(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	sh, err := h.store.GetShot(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"ok": false, "error": "shot not found"})
		return
	}
	chatIDs, err := shot.ResolveTargets(c.Request.Context(), h.store, sh.BotSlug, sh.Filters)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := h.store.PopulateShot(c.Request.Context(), id, chatIDs); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "total_targets": len(chatIDs)})
}

// PostShotStart transitions queued -> sending.
func (h *Handler) PostShotStart(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	if err := h.store.StartShot(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PostShotPause transitions sending -> paused.
func (h *Handler) PostShotPause(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	if err := h.store.PauseShot(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PostShotResume transitions paused -> sending.
func (h *Handler) PostShotResume(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	if err := h.store.ResumeShot(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PostShotCancel transitions any non-terminal state to canceled.
func (h *Handler) PostShotCancel(c *gin.Context) {
	id, ok := h.shotID(c)
	if !ok {
		return
	}
	if err := h.store.CancelShot(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
