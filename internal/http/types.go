package http

import (
	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	HostID    string `json:"host_id"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
}

// StatusResponse represents the guardian status
type StatusResponse struct {
	HostID    string              `json:"host_id"`
	Timestamp string              `json:"timestamp"`
	Uptime    string              `json:"uptime"`
	Version   string              `json:"version"`
	State     types.StateSnapshot `json:"state"`
	AuditHead uint64              `json:"audit_head"`
}

// AuditResponse is one page of audit records
type AuditResponse struct {
	Records []audit.Record `json:"records"`
	Next    uint64         `json:"next"`
	Head    uint64         `json:"head"`
}

// VerifyResponse reports a manifest verification
type VerifyResponse struct {
	ManifestID string          `json:"manifest_id"`
	SealValid  bool            `json:"seal_valid"`
	ArchiveOK  bool            `json:"archive_ok"`
	Files      map[string]bool `json:"files"`
	Mismatched []string        `json:"mismatched"`
	Errors     []string        `json:"errors,omitempty"`
}

// PresentRequest carries a token uid from a reader bridge
type PresentRequest struct {
	UID string `json:"uid"`
}

// RegisterTokenRequest registers a new token
type RegisterTokenRequest struct {
	UID   string `json:"uid"`
	Label string `json:"label"`
}

// RecoverRequest carries the recovery credential
type RecoverRequest struct {
	Credential string `json:"credential"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
