package handler

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/autonomy-edge/edge-gateway/internal/api/http/dto"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/gin-gonic/gin"
)

type CertsHandler struct {
	registry  *registry.Registry
	authority *cert.Authority
}

func NewCertsHandler(reg *registry.Registry, authority *cert.Authority) *CertsHandler {
	return &CertsHandler{
		registry:  reg,
		authority: authority,
	}
}

// Upload registers a client certificate for an agent.
// POST /api/v1/certificates
func (h *CertsHandler) Upload(ctx *gin.Context) {
	var req dto.UploadCertificateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	pemBytes := []byte(req.Certificate)
	if err := h.registry.Put(ctx.Request.Context(), req.AgentID, pemBytes); err != nil {
		var mismatch *registry.CNMismatchError
		switch {
		case errors.As(err, &mismatch):
			ctx.JSON(http.StatusBadRequest, gin.H{"detail": mismatch.Error()})
		case errors.Is(err, registry.ErrMalformedCertificate):
			ctx.JSON(http.StatusBadRequest, gin.H{"detail": "Certificate is not valid PEM"})
		default:
			slog.Error("Failed to store certificate", "error", err, "agent_id", req.AgentID)
			ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to store certificate"})
		}
		return
	}

	parsed, err := cert.Parse(pemBytes)
	if err != nil {
		// Put already validated the PEM; this should not happen.
		slog.Error("Failed to re-parse stored certificate", "error", err, "agent_id", req.AgentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to store certificate"})
		return
	}

	slog.Info("Certificate registered", "agent_id", req.AgentID, "fingerprint", cert.Fingerprint(parsed))
	ctx.JSON(http.StatusCreated, dto.UploadCertificateResponse{
		Message:     "Certificate registered",
		AgentID:     req.AgentID,
		Fingerprint: cert.Fingerprint(parsed),
	})
}

// GetCertificate returns the stored PEM for an agent.
// GET /api/v1/certificates/:agent_id
func (h *CertsHandler) GetCertificate(ctx *gin.Context) {
	agentID := ctx.Param("agent_id")

	pemBytes, err := h.registry.Get(ctx.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, registry.ErrCertNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"detail": "No certificate registered for agent"})
			return
		}
		slog.Error("Failed to load certificate", "error", err, "agent_id", agentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to load certificate"})
		return
	}

	ctx.JSON(http.StatusOK, dto.CertificateResponse{
		AgentID:     agentID,
		Certificate: string(pemBytes),
	})
}

// ProvisionAgent issues a fresh client certificate for an agent, registers
// it, and returns a zip with the cert, key, and CA cert.
// POST /api/v1/certificates/provision
func (h *CertsHandler) ProvisionAgent(ctx *gin.Context) {
	if h.authority == nil {
		slog.Warn("Agent cert provisioning requested but no CA is configured")
		ctx.JSON(http.StatusBadRequest, gin.H{
			"detail": "Certificate authority is not configured on this server",
		})
		return
	}

	var req dto.ProvisionAgentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	slog.Info("Provisioning agent certificate", "agent_id", req.AgentID)

	agentCert, agentKey, err := h.authority.IssueAgentCert(req.AgentID)
	if err != nil {
		slog.Error("Failed to issue agent certificate", "error", err, "agent_id", req.AgentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to issue agent certificate"})
		return
	}

	certPEM := cert.ToPEM(agentCert)
	keyPEM, err := cert.KeyToPEM(agentKey)
	if err != nil {
		slog.Error("Failed to encode agent key", "error", err, "agent_id", req.AgentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to encode agent key"})
		return
	}

	if err := h.registry.Put(ctx.Request.Context(), req.AgentID, certPEM); err != nil {
		slog.Error("Failed to register issued certificate", "error", err, "agent_id", req.AgentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to register issued certificate"})
		return
	}

	zipBuffer := new(bytes.Buffer)
	zipWriter := zip.NewWriter(zipBuffer)

	files := map[string][]byte{
		fmt.Sprintf("%s-cert.pem", req.AgentID): certPEM,
		fmt.Sprintf("%s-key.pem", req.AgentID):  keyPEM,
		"ca-cert.pem":                           h.authority.CACertPEM(),
	}

	for filename, content := range files {
		f, err := zipWriter.Create(filename)
		if err != nil {
			slog.Error("Failed to create zip file entry", "error", err, "filename", filename)
			ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create zip file"})
			return
		}
		if _, err := f.Write(content); err != nil {
			slog.Error("Failed to write to zip file", "error", err, "filename", filename)
			ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to write zip file"})
			return
		}
	}

	if err := zipWriter.Close(); err != nil {
		slog.Error("Failed to finalize zip file", "error", err, "agent_id", req.AgentID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to write zip file"})
		return
	}

	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s-certs.zip\"", req.AgentID))
	ctx.Data(http.StatusOK, "application/zip", zipBuffer.Bytes())

	slog.Info("Agent certificate provisioned", "agent_id", req.AgentID, "zip_size", zipBuffer.Len())
}
