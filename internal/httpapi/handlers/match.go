package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/common"
)

// findPartner enqueues the user and immediately tries to pair the queue.
// A failed pairing pass is not the caller's error; Run retries it.
func (h *Handler) findPartner(ctx context.Context, uid string) error {
	if err := h.Queue.Enqueue(ctx, uid); err != nil {
		return err
	}
	if _, err := h.Queue.Drain(ctx); err != nil {
		log.WithField("user_id", uid).WithError(err).Warn("pairing after enqueue failed")
	}
	return nil
}

func (h *Handler) FindPartner(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.findPartner(c.Request.Context(), uid); err != nil {
		common.FailErr(c, err)
		return
	}

	if sid, matched := h.Sessions.ActiveSession(uid); matched {
		common.OK(c, gin.H{"status": "matched", "session_id": sid})
		return
	}
	pos, _ := h.Queue.Position(uid)
	common.OK(c, gin.H{"status": "searching", "position": pos})
}

func (h *Handler) CancelSearch(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	cancelled := h.Queue.Cancel(c.Request.Context(), uid)
	common.OK(c, gin.H{"cancelled": cancelled})
}
