package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QuarantinedRecord is a source row that failed validation, kept for operator repair.
type QuarantinedRecord struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	RowNumber    int             `json:"row_number"`
	Domain       string          `json:"domain"`
	Name         string          `json:"name"`
	Reason       string          `json:"reason"`
	Category     string          `json:"category"`
	HitCount     int             `json:"hit_count"`
	ErrorMessage string          `json:"error_message"`
	OriginalData json.RawMessage `json:"original_data"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Correction is an operator-supplied fix for one quarantined row.
type Correction struct {
	RowNumber int    `json:"row_number"`
	Domain    string `json:"domain"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
	Category  string `json:"category"`
	HitCount  int    `json:"hit_count"`
}

// RejectedCorrection explains why a correction was not applied.
type RejectedCorrection struct {
	Correction Correction `json:"record"`
	Error      string     `json:"error"`
}

// AcceptedCorrection reports a correction that left quarantine.
type AcceptedCorrection struct {
	RowNumber int    `json:"row_number"`
	Domain    string `json:"domain"`
	Duplicate bool   `json:"duplicate"`
}
