package systemtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/agents"
	internalhttp "github.com/autonomy-edge/edge-gateway/internal/api/http"
	"github.com/autonomy-edge/edge-gateway/internal/auth"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/autonomy-edge/edge-gateway/internal/db"
	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/autonomy-edge/edge-gateway/internal/users"
	"github.com/autonomy-edge/edge-gateway/internal/validator"
	"github.com/autonomy-edge/edge-gateway/internal/ws"
	pg "github.com/autonomy-edge/edge-gateway/systemtest/postgres"
	"github.com/autonomy-edge/edge-gateway/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret   = "systemtest-secret"
	adminAPIKey = "systemtest-api-key"
	dbSchema    = "edge_gateway"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, err := pg.StartPostgres(ctx, "edge", "edge", "edge_gateway")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.TerminatePostgres(context.Background(), container)
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL, dbSchema))

	pool, err := db.InitDB(ctx, dbURL, dbSchema)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	certDir := t.TempDir()
	authority, err := cert.NewAuthority(
		filepath.Join(certDir, "ca-cert.pem"),
		filepath.Join(certDir, "ca-key.pem"))
	require.NoError(t, err)

	certRegistry := registry.New(registry.NewPGStore(pool))
	agentService := agents.NewService(pool)
	sessions := session.NewManager(agentService, session.Options{})
	t.Cleanup(sessions.Stop)

	authService := auth.NewService(users.NewService(pool), auth.JWTConfig{
		Secret: jwtSecret,
		TTL:    time.Hour,
	})

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Registry:     certRegistry,
		Authority:    authority,
		AgentService: agentService,
		Sessions:     sessions,
		AuthService:  authService,
		WSHandler:    ws.NewHandler(validator.New(certRegistry, validator.ModeStrict), sessions),
		JWTSecret:    jwtSecret,
		Config:       internalhttp.Config{AdminAPIKey: adminAPIKey},
	})

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, engine) })
	t.Run("Register", func(t *testing.T) { tests.TestRegister(t, engine, jwtSecret) })
	t.Run("Login", func(t *testing.T) { tests.TestLogin(t, engine, jwtSecret) })
	t.Run("Certificates", func(t *testing.T) {
		tests.TestCertificates(t, engine, authority, adminAPIKey, jwtSecret)
	})
	t.Run("AgentDirectory", func(t *testing.T) {
		tests.TestAgentDirectory(t, engine, agentService, jwtSecret)
	})
	t.Run("HeartbeatExchange", func(t *testing.T) {
		tests.TestHeartbeatExchange(t, engine, authority, adminAPIKey)
	})
}
