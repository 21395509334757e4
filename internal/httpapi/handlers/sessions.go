package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
)

type relayReq struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handler) GetSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	v, err := h.Sessions.Get(c.Param("id"), uid)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, v)
}

func (h *Handler) RelayMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req relayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "text required")
		return
	}
	if err := h.Sessions.Relay(c.Request.Context(), c.Param("id"), uid, req.Text); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"sent": true})
}

func (h *Handler) EndSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.Sessions.End(c.Request.Context(), c.Param("id"), uid); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"ended": true})
}
