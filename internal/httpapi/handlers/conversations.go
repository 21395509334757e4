package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
)

type sendFriendMessageReq struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handler) ListConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10005, "invalid limit")
			return
		}
		limit = n
	}
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10006, "invalid before_id")
			return
		}
		beforeID = n
	}

	msgs, err := h.Social.ListConversation(c.Request.Context(), uid, c.Param("friend_id"), limit, beforeID)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	var next uint64
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{"messages": msgs, "next_before_id": next})
}

func (h *Handler) SendFriendMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req sendFriendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "text required")
		return
	}
	msg, err := h.Social.SendFriendMessage(c.Request.Context(), uid, c.Param("friend_id"), req.Text)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, msg)
}
