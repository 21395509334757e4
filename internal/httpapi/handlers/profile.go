package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/social"
)

type updateProfileReq struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Bio      string `json:"bio"`
	Gender   string `json:"gender"`
}

func (h *Handler) GetProfile(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	user, err := h.Social.GetProfile(c.Request.Context(), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, publicUser(user))
}

// UpdateProfile replaces the editable profile fields. Username uniqueness is
// enforced again at write time regardless of any earlier availability check.
func (h *Handler) UpdateProfile(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req updateProfileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	user, err := h.Social.UpdateProfile(c.Request.Context(), uid, social.ProfileUpdate{
		Username: req.Username,
		Name:     req.Name,
		Bio:      req.Bio,
		Gender:   req.Gender,
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, publicUser(user))
}

// CheckUsername is advisory only; it reserves nothing.
func (h *Handler) CheckUsername(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	candidate := strings.TrimSpace(c.Query("username"))
	if candidate == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "username required")
		return
	}
	free, err := h.Social.CheckUsernameUnique(c.Request.Context(), candidate, uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"username": candidate, "available": free})
}
