package tests

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/api/http/dto"
	"github.com/autonomy-edge/edge-gateway/internal/auth"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificates(t *testing.T, router *gin.Engine, authority *cert.Authority, apiKey, jwtSecret string) {
	token := operatorToken(t, jwtSecret)

	t.Run("upload and fetch", func(t *testing.T) {
		pemBytes := issueCertPEM(t, authority, "cert-agent-1")

		body := dto.UploadCertificateRequest{AgentID: "cert-agent-1", Certificate: string(pemBytes)}
		rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates", body,
			map[string]string{"X-API-Key": apiKey})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var resp dto.UploadCertificateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "cert-agent-1", resp.AgentID)
		assert.NotEmpty(t, resp.Fingerprint)

		rr = doJSONWithHeaders(router, "GET", "/api/v1/certificates/cert-agent-1", nil,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rr.Code)

		var fetched dto.CertificateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fetched))
		assert.Equal(t, string(pemBytes), fetched.Certificate)
	})

	t.Run("re-upload replaces", func(t *testing.T) {
		first := issueCertPEM(t, authority, "cert-agent-2")
		second := issueCertPEM(t, authority, "cert-agent-2")
		require.NotEqual(t, first, second)

		for _, pemBytes := range [][]byte{first, second} {
			body := dto.UploadCertificateRequest{AgentID: "cert-agent-2", Certificate: string(pemBytes)}
			rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates", body,
				map[string]string{"X-API-Key": apiKey})
			require.Equal(t, http.StatusCreated, rr.Code)
		}

		rr := doJSONWithHeaders(router, "GET", "/api/v1/certificates/cert-agent-2", nil,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rr.Code)

		var fetched dto.CertificateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fetched))
		assert.Equal(t, string(second), fetched.Certificate)
	})

	t.Run("cn mismatch", func(t *testing.T) {
		pemBytes := issueCertPEM(t, authority, "someone-else")

		body := dto.UploadCertificateRequest{AgentID: "cert-agent-3", Certificate: string(pemBytes)}
		rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates", body,
			map[string]string{"X-API-Key": apiKey})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t,
			"Agent ID mismatch: provided 'cert-agent-3' but certificate CN is 'someone-else'",
			resp["detail"])
	})

	t.Run("malformed pem", func(t *testing.T) {
		body := dto.UploadCertificateRequest{AgentID: "cert-agent-4", Certificate: "not a certificate"}
		rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates", body,
			map[string]string{"X-API-Key": apiKey})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing api key", func(t *testing.T) {
		pemBytes := issueCertPEM(t, authority, "cert-agent-5")
		body := dto.UploadCertificateRequest{AgentID: "cert-agent-5", Certificate: string(pemBytes)}
		rr := doJSON(router, "POST", "/api/v1/certificates", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown agent fetch", func(t *testing.T) {
		rr := doJSONWithHeaders(router, "GET", "/api/v1/certificates/no-such-agent", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("provision bundle", func(t *testing.T) {
		body := dto.ProvisionAgentRequest{AgentID: "cert-agent-6"}
		rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates/provision", body,
			map[string]string{"X-API-Key": apiKey})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))

		reader, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
		require.NoError(t, err)

		names := make(map[string]bool)
		for _, f := range reader.File {
			names[f.Name] = true
		}
		assert.True(t, names["cert-agent-6-cert.pem"])
		assert.True(t, names["cert-agent-6-key.pem"])
		assert.True(t, names["ca-cert.pem"])

		// Provisioning also registers the issued cert.
		rr = doJSONWithHeaders(router, "GET", "/api/v1/certificates/cert-agent-6", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func operatorToken(t *testing.T, jwtSecret string) string {
	t.Helper()
	token, err := auth.GenerateToken(auth.JWTConfig{Secret: jwtSecret, TTL: time.Hour},
		"00000000-0000-0000-0000-000000000001", "tester", auth.RoleOperator)
	require.NoError(t, err)
	return token
}

func issueCertPEM(t *testing.T, authority *cert.Authority, agentID string) []byte {
	t.Helper()
	agentCert, _, err := authority.IssueAgentCert(agentID)
	require.NoError(t, err, fmt.Sprintf("issue cert for %s", agentID))
	return cert.ToPEM(agentCert)
}
