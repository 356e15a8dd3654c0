package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/gwerr"
)

type downsellBody struct {
	Name         string          `json:"name"`
	Content      json.RawMessage `json:"content"`
	DelaySeconds int             `json:"delay_seconds"`
	Triggers     []string        `json:"triggers"`
	Active       bool            `json:"active"`
}

// PostDownsell creates a downsell config (spec §6.1 "Downsells CRUD").
func (h *Handler) PostDownsell(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	var body downsellBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		abortErr(c, gwerr.CodeBadRequest, "name and content are required")
		return
	}
	if err := validateContent(body.Content); err != nil {
		abortErr(c, gwerr.CodeBadRequest, err.Error())
		return
	}

	id, err := h.store.CreateDownsell(c.Request.Context(), slug, body.Name, body.Content, body.DelaySeconds, body.Triggers)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

// ListDownsells lists a tenant's downsells.
func (h *Handler) ListDownsells(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	downsells, err := h.store.ListDownsells(c.Request.Context(), slug)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "downsells": downsells})
}

// PutDownsell updates a downsell's editable fields.
func (h *Handler) PutDownsell(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortErr(c, gwerr.CodeBadRequest, "invalid id")
		return
	}
	var body downsellBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, gwerr.CodeBadRequest, "invalid body")
		return
	}
	if err := validateContent(body.Content); err != nil {
		abortErr(c, gwerr.CodeBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateDownsell(c.Request.Context(), id, body.Name, body.Content, body.DelaySeconds, body.Triggers, body.Active); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteDownsell deactivates a downsell (soft delete, spec §3 invariant
// that queue entries keep referencing it for auditability).
func (h *Handler) DeleteDownsell(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortErr(c, gwerr.CodeBadRequest, "invalid id")
		return
	}
	if err := h.store.DeleteDownsell(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
