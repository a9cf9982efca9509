package dto

type UploadCertificateRequest struct {
	AgentID     string `json:"agent_id" binding:"required"`
	Certificate string `json:"certificate" binding:"required"`
}

type UploadCertificateResponse struct {
	Message     string `json:"message"`
	AgentID     string `json:"agent_id"`
	Fingerprint string `json:"fingerprint"`
}

type CertificateResponse struct {
	AgentID     string `json:"agent_id"`
	Certificate string `json:"certificate"`
}

type ProvisionAgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}
