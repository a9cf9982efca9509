package http

import (
	"github.com/autonomy-edge/edge-gateway/internal/agents"
	"github.com/autonomy-edge/edge-gateway/internal/api/http/handler"
	"github.com/autonomy-edge/edge-gateway/internal/api/http/middleware"
	"github.com/autonomy-edge/edge-gateway/internal/auth"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/autonomy-edge/edge-gateway/internal/ws"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Registry     *registry.Registry
	Authority    *cert.Authority
	AgentService *agents.Service
	Sessions     *session.Manager
	AuthService  *auth.Service
	WSHandler    *ws.Handler
	JWTSecret    string
	Config       Config
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	engine.GET("/ws/agents/:agent_id", func(c *gin.Context) {
		srvs.WSHandler.HandleAgent(c.Writer, c.Request, c.Param("agent_id"))
	})

	api := engine.Group("/api/v1")

	if srvs.AuthService != nil {
		authHandler := handler.NewAuthHandler(srvs.AuthService)
		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)
	}

	certsHandler := handler.NewCertsHandler(srvs.Registry, srvs.Authority)

	admin := api.Group("")
	admin.Use(middleware.APIKeyAuth(srvs.Config.AdminAPIKey))
	admin.POST("/certificates", certsHandler.Upload)
	admin.POST("/certificates/provision", certsHandler.ProvisionAgent)

	readOnly := api.Group("")
	readOnly.Use(middleware.JWTAuth(srvs.JWTSecret))
	readOnly.GET("/certificates/:agent_id", certsHandler.GetCertificate)

	if srvs.AgentService != nil {
		agentsHandler := handler.NewAgentsHandler(srvs.AgentService, srvs.Sessions)
		readOnly.GET("/agents", agentsHandler.ListAgents)
		readOnly.GET("/agents/:agent_id", agentsHandler.GetAgent)
	}
}
