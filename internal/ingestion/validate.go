package ingestion

import (
	"fmt"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
)

// MessageDomainRequired is stored on rows quarantined for a missing domain.
const MessageDomainRequired = "Domain is required"

// ValidationError describes why a record cannot be stored.
type ValidationError struct {
	RowNumber int
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s", e.RowNumber, e.Message)
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Validate reports whether rec can be written to the blacklist.
func Validate(rec Record) error {
	if rec.Domain == "" {
		return &ValidationError{RowNumber: rec.RowNumber, Message: MessageDomainRequired}
	}
	return nil
}

// Partition splits records into storable entries and quarantined rows, keeping file order.
func Partition(jobID uuid.UUID, records []Record) ([]Record, []domain.QuarantinedRecord) {
	valid := make([]Record, 0, len(records))
	var quarantined []domain.QuarantinedRecord

	for _, rec := range records {
		err := Validate(rec)
		if err == nil {
			valid = append(valid, rec)
			continue
		}

		message := err.Error()
		if verr, ok := err.(*ValidationError); ok {
			message = verr.Message
		}
		quarantined = append(quarantined, domain.QuarantinedRecord{
			ID:           uuid.New(),
			JobID:        jobID,
			RowNumber:    rec.RowNumber,
			Domain:       rec.Domain,
			Name:         rec.Name,
			Reason:       rec.Reason,
			Category:     rec.Category,
			HitCount:     rec.HitCount,
			ErrorMessage: message,
			OriginalData: rec.OriginalData,
		})
	}

	return valid, quarantined
}

func (r Record) entry() domain.BlacklistEntry {
	return domain.NewBlacklistEntry(r.Domain, r.Name, r.Reason, r.Category, r.HitCount)
}
