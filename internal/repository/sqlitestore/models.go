package sqlitestore

import (
	"time"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
)

type blacklistEntryModel struct {
	ID        string `gorm:"primaryKey;type:text"`
	Domain    string `gorm:"type:text;not null;uniqueIndex:idx_blacklist_entries_domain"`
	Name      string `gorm:"type:text;not null"`
	Reason    string `gorm:"type:text;not null;default:''"`
	Category  string `gorm:"type:text;not null"`
	HitCount  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (blacklistEntryModel) TableName() string { return "blacklist_entries" }

type jobModel struct {
	ID               string `gorm:"primaryKey;type:text"`
	Filename         string `gorm:"type:text;not null"`
	FilePath         string `gorm:"type:text;not null;default:''"`
	Status           string `gorm:"type:text;not null;index"`
	TotalRecords     int    `gorm:"not null;default:0"`
	ProcessedRecords int    `gorm:"not null;default:0"`
	UniqueDomains    int    `gorm:"not null;default:0"`
	DuplicateDomains int    `gorm:"not null;default:0"`
	FailedRecords    int    `gorm:"not null;default:0"`
	ProcessingTime   float64
	ErrorMessage     *string
	RetryCount       int `gorm:"not null;default:0"`
	LastRetryAt      *time.Time
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

func (jobModel) TableName() string { return "ingestion_jobs" }

type quarantinedRecordModel struct {
	ID           string    `gorm:"primaryKey;type:text"`
	JobID        string    `gorm:"type:text;not null;uniqueIndex:idx_quarantined_job_row,priority:1"`
	Job          *jobModel `gorm:"foreignKey:JobID;references:ID;constraint:OnDelete:CASCADE"`
	RowNumber    int       `gorm:"not null;uniqueIndex:idx_quarantined_job_row,priority:2"`
	Domain       string    `gorm:"type:text;not null;default:''"`
	Name         string    `gorm:"type:text;not null"`
	Reason       string    `gorm:"type:text;not null;default:''"`
	Category     string    `gorm:"type:text;not null"`
	HitCount     int       `gorm:"not null;default:0"`
	ErrorMessage string    `gorm:"type:text;not null"`
	OriginalData string    `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

func (quarantinedRecordModel) TableName() string { return "quarantined_records" }

func toEntryModel(entry domain.BlacklistEntry) blacklistEntryModel {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return blacklistEntryModel{
		ID:       id.String(),
		Domain:   entry.Domain,
		Name:     entry.Name,
		Reason:   entry.Reason,
		Category: entry.Category,
		HitCount: entry.HitCount,
	}
}

func (m blacklistEntryModel) toDomain() domain.BlacklistEntry {
	return domain.BlacklistEntry{
		ID:        parseID(m.ID),
		Domain:    m.Domain,
		Name:      m.Name,
		Reason:    m.Reason,
		Category:  m.Category,
		HitCount:  m.HitCount,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m jobModel) toDomain() domain.IngestionJob {
	return domain.IngestionJob{
		ID:               parseID(m.ID),
		Filename:         m.Filename,
		FilePath:         m.FilePath,
		Status:           domain.JobStatus(m.Status),
		TotalRecords:     m.TotalRecords,
		ProcessedRecords: m.ProcessedRecords,
		UniqueDomains:    m.UniqueDomains,
		DuplicateDomains: m.DuplicateDomains,
		FailedRecords:    m.FailedRecords,
		ProcessingTime:   m.ProcessingTime,
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		LastRetryAt:      m.LastRetryAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toQuarantineModel(record domain.QuarantinedRecord) quarantinedRecordModel {
	id := record.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	original := string(record.OriginalData)
	if original == "" {
		original = "{}"
	}
	return quarantinedRecordModel{
		ID:           id.String(),
		JobID:        record.JobID.String(),
		RowNumber:    record.RowNumber,
		Domain:       record.Domain,
		Name:         record.Name,
		Reason:       record.Reason,
		Category:     record.Category,
		HitCount:     record.HitCount,
		ErrorMessage: record.ErrorMessage,
		OriginalData: original,
	}
}

func (m quarantinedRecordModel) toDomain() domain.QuarantinedRecord {
	return domain.QuarantinedRecord{
		ID:           parseID(m.ID),
		JobID:        parseID(m.JobID),
		RowNumber:    m.RowNumber,
		Domain:       m.Domain,
		Name:         m.Name,
		Reason:       m.Reason,
		Category:     m.Category,
		HitCount:     m.HitCount,
		ErrorMessage: m.ErrorMessage,
		OriginalData: []byte(m.OriginalData),
		CreatedAt:    m.CreatedAt,
	}
}

func parseID(value string) uuid.UUID {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil
	}
	return id
}
