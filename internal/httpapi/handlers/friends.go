package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
)

type friendRequestReq struct {
	UserID string `json:"user_id"`
}

func (h *Handler) ListFriends(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	edges, err := h.Social.ListFriends(c.Request.Context(), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	out := make([]gin.H, 0, len(edges))
	for _, e := range edges {
		out = append(out, gin.H{
			"friend_id":   e.FriendID,
			"friend_name": e.FriendName,
			"since":       e.CreatedAt,
		})
	}
	common.OK(c, gin.H{"friends": out})
}

// RemoveFriend deletes the friendship and its conversation. Removing a
// friendship that does not exist succeeds with removed=false.
func (h *Handler) RemoveFriend(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	friendID := strings.TrimSpace(c.Param("friend_id"))
	removed, err := h.Social.RemoveFriend(c.Request.Context(), uid, friendID)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"friend_id": friendID, "removed": removed})
}

func (h *Handler) SendFriendRequest(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req friendRequestReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "user_id required")
		return
	}
	fr, accepted, err := h.Social.SendFriendRequest(c.Request.Context(), uid, strings.TrimSpace(req.UserID))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"request_id": fr.ID, "accepted": accepted})
}

func (h *Handler) ListFriendRequests(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	reqs, err := h.Social.ListFriendRequests(c.Request.Context(), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"requests": reqs})
}

func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.Social.AcceptFriendRequest(c.Request.Context(), uid, c.Param("id")); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"accepted": true})
}

func (h *Handler) DeclineFriendRequest(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.Social.DeclineFriendRequest(c.Request.Context(), uid, c.Param("id")); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"declined": true})
}
