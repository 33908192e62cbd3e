package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/openassembly/gov-portal/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Projection reads (public)
		v1.GET("/proposals", handler.ListProposals)
		v1.GET("/proposals/:id", handler.GetProposal)
		v1.GET("/members", handler.ListMembers)
		v1.GET("/members/:address/state", handler.GetMembershipState)
		v1.GET("/accounts/:address/activity", handler.GetActivity)
		v1.GET("/files/:digest", handler.GetFile)

		// Mutations (require authentication)
		v1.POST("/proposals", middleware.Auth(authCfg), handler.CreateProposal)
		v1.POST("/proposals/:id/cancel", middleware.Auth(authCfg), handler.CancelProposal)
		v1.POST("/votes", middleware.Auth(authCfg), handler.CastVote)
		v1.POST("/voting-rights/accept", middleware.Auth(authCfg), handler.AcceptVotingRights)
		v1.POST("/files", middleware.Auth(authCfg), handler.UploadFile)

		// Grant execution is machine-to-machine (requires API key)
		v1.POST("/vote-items/:id/execute", middleware.APIKeyAuth(authCfg), handler.ExecuteVoteItem)
	}
}
