package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/realtime"
)

type sessionPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ServeWS upgrades an authenticated request to the event socket.
func (h *Handler) ServeWS(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.Hub.Serve(c.Writer, c.Request, uid); err != nil {
		log.WithField("user_id", uid).WithError(err).Warn("websocket serve failed")
	}
}

// Dispatch implements realtime.Dispatcher.
func (h *Handler) Dispatch(ctx context.Context, userID string, in realtime.Inbound) error {
	switch in.Type {
	case realtime.FindPartner:
		return h.findPartner(ctx, userID)
	case realtime.CancelSearch:
		h.Queue.Cancel(ctx, userID)
		return nil
	case realtime.SendChat, realtime.EndSession:
		var p sessionPayload
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &p); err != nil {
				return fmt.Errorf("%w: bad payload", common.ErrInvalidArgument)
			}
		}
		if in.Type == realtime.EndSession {
			return h.Sessions.End(ctx, p.SessionID, userID)
		}
		return h.Sessions.Relay(ctx, p.SessionID, userID, p.Text)
	}
	return fmt.Errorf("%w: unknown message type %q", common.ErrInvalidArgument, in.Type)
}

// OnLastDisconnect drops the user's ticket and ends their active session.
func (h *Handler) OnLastDisconnect(ctx context.Context, userID string) {
	cancelled := h.Queue.Cancel(ctx, userID)
	ended := h.Sessions.DisconnectUser(ctx, userID)
	if cancelled || ended {
		log.WithFields(log.Fields{
			"user_id":   userID,
			"cancelled": cancelled,
			"ended":     ended,
		}).Info("cleaned up after disconnect")
	}
}
