package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/config"
	"github.com/suPer8Hu/chatmate/internal/httpapi/middleware"
	"github.com/suPer8Hu/chatmate/internal/match"
	"github.com/suPer8Hu/chatmate/internal/realtime"
	"github.com/suPer8Hu/chatmate/internal/session"
	"github.com/suPer8Hu/chatmate/internal/social"
)

type Handler struct {
	Cfg      config.Config
	Social   *social.Service
	Queue    *match.Queue
	Sessions *session.Coordinator
	Hub      *realtime.Hub
}

// NewHandler wires the handler into the hub: inbound socket messages are
// dispatched through it and a user's last disconnect triggers its cleanup.
func NewHandler(cfg config.Config, svc *social.Service, q *match.Queue, coord *session.Coordinator, hub *realtime.Hub) *Handler {
	h := &Handler{Cfg: cfg, Social: svc, Queue: q, Sessions: coord, Hub: hub}
	if hub != nil {
		hub.SetDispatcher(h)
		hub.OnLastDisconnect(h.OnLastDisconnect)
	}
	return h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
