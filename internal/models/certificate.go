package models

import (
	"time"
)

// CertificateStatus represents the lifecycle state of a certificate request
type CertificateStatus string

const (
	CertificatePending  CertificateStatus = "pending"
	CertificateMinting  CertificateStatus = "minting"
	CertificateMinted   CertificateStatus = "minted"
	CertificateRejected CertificateStatus = "rejected"
)

// IsTerminal returns true if no transition leaves the status
func (s CertificateStatus) IsTerminal() bool {
	return s == CertificateMinted || s == CertificateRejected
}

// CertificateRequest records one credential's path from issuance to mint.
// Mint artifacts are persisted on the request so a retried mint resumes.
type CertificateRequest struct {
	ID               string            `json:"id"`
	ActivityID       string            `json:"activity_id"`
	ParticipantID    string            `json:"participant_id"`
	IssuedBy         string            `json:"issued_by"`
	CertificateType  string            `json:"certificate_type"`
	Status           CertificateStatus `json:"status"`
	RequestedAt      time.Time         `json:"requested_at"`
	MintedAt         *time.Time        `json:"minted_at,omitempty"`
	RecipientAddress string            `json:"recipient_address,omitempty"`
	RecipientName    string            `json:"recipient_name,omitempty"`
	ImageURI         string            `json:"image_uri,omitempty"`
	TokenURI         string            `json:"token_uri,omitempty"`
	ContractAddress  string            `json:"contract_address,omitempty"`
	TransactionHash  string            `json:"transaction_hash,omitempty"`
	SignedTx         []byte            `json:"-"`
	BlockNumber      *uint64           `json:"block_number,omitempty"`
	Attempts         int               `json:"attempts"`
	LastError        string            `json:"last_error,omitempty"`
	LeaseOwner       string            `json:"-"`
	LeaseExpiresAt   *time.Time        `json:"-"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// LeaseHeld reports whether another worker holds the mint lease at now
func (r *CertificateRequest) LeaseHeld(now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// PendingCertificate is a pending request enriched for the participant's inbox
type PendingCertificate struct {
	RequestID       string    `json:"request_id"`
	ActivityID      string    `json:"activity_id"`
	ActivityTitle   string    `json:"activity_title"`
	ActivityKind    string    `json:"activity_kind"`
	CertificateType string    `json:"certificate_type"`
	RequestedAt     time.Time `json:"requested_at"`
}

// MintResult is the response to accepting or resuming a certificate
type MintResult struct {
	RequestID       string            `json:"request_id"`
	Status          CertificateStatus `json:"status"`
	TransactionHash string            `json:"transaction_hash,omitempty"`
	TokenURI        string            `json:"token_uri,omitempty"`
	MintedAt        *time.Time        `json:"minted_at,omitempty"`
}

// IssueCertificateRequest is the API request an organizer sends to issue a certificate
type IssueCertificateRequest struct {
	ParticipantID   string `json:"participant_id" validate:"required"`
	CertificateType string `json:"certificate_type" validate:"required,certificate_type"`
}

// AcceptCertificateRequest carries the participant's connected wallet
type AcceptCertificateRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,eth_addr"`
}

// CertificateFilters contains filters for listing certificate requests
type CertificateFilters struct {
	ActivityID    string
	ParticipantID string
	Status        CertificateStatus
	Limit         int
	Offset        int
}

// CertificateEvent is a status change broadcast to subscribers
type CertificateEvent struct {
	RequestID       string            `json:"request_id"`
	Status          CertificateStatus `json:"status"`
	TransactionHash string            `json:"transaction_hash,omitempty"`
}
