package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatmate/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.New(corsConfig(h.Cfg.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// identity
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users/:id", h.GetUserByID)

	// profile
	authGroup.GET("/profile", h.GetProfile)
	authGroup.PUT("/profile", h.UpdateProfile)
	authGroup.GET("/usernames/check", h.CheckUsername)

	// friends
	authGroup.GET("/friends", h.ListFriends)
	authGroup.DELETE("/friends/:friend_id", h.RemoveFriend)
	authGroup.POST("/friends/requests", h.SendFriendRequest)
	authGroup.GET("/friends/requests", h.ListFriendRequests)
	authGroup.POST("/friends/requests/:id/accept", h.AcceptFriendRequest)
	authGroup.DELETE("/friends/requests/:id", h.DeclineFriendRequest)

	// durable friend conversations
	authGroup.GET("/conversations/:friend_id/messages", h.ListConversation)
	authGroup.POST("/conversations/:friend_id/messages", h.SendFriendMessage)

	// random chat
	authGroup.POST("/match", h.FindPartner)
	authGroup.DELETE("/match", h.CancelSearch)
	authGroup.GET("/sessions/:id", h.GetSession)
	authGroup.POST("/sessions/:id/messages", h.RelayMessage)
	authGroup.POST("/sessions/:id/end", h.EndSession)

	authGroup.GET("/ws", h.ServeWS)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}
