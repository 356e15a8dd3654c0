package adminapi

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/media"
)

// PostMedia uploads a blob into object storage and records it for C3
// prewarming (spec §6.1 `POST .../media`). Bodies arrive base64-encoded
// since this is a JSON admin API rather than a multipart upload surface.
func (h *Handler) PostMedia(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}

	var body struct {
		Kind       string `json:"kind"`
		DataBase64 string `json:"data_base64"`
		Mime       string `json:"mime"`
		Ext        string `json:"ext"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.DataBase64 == "" {
		abortErr(c, gwerr.CodeBadRequest, "data_base64 is required")
		return
	}
	switch media.Kind(body.Kind) {
	case media.KindPhoto, media.KindVideo, media.KindAudio:
	default:
		abortErr(c, gwerr.CodeBadRequest, "kind must be photo, video, or audio")
		return
	}

	data, err := base64.StdEncoding.DecodeString(body.DataBase64)
	if err != nil {
		abortErr(c, gwerr.CodeMediaInvalid, "data_base64 is not valid base64")
		return
	}

	saved, err := h.media.SaveMedia(c.Request.Context(), slug, media.Kind(body.Kind), body.Mime, data)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"media_id": saved.SHA256,
		"sha256":   saved.SHA256,
		"r2_key":   saved.R2Key,
		"status":   "warming",
	})
}
