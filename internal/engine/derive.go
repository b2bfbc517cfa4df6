package engine

import (
	"time"

	"verdant/internal/domain"
)

const dateLayout = "2006-01-02"

// DeriveTreatments turns a diagnosis's recommendations into dated treatment
// drafts: step i+1, scheduled on startDate + i days. Recommendation order is
// preserved verbatim; display layers may re-sort by priority, the persisted
// step order never does. Empty input yields an empty plan.
func DeriveTreatments(recs []domain.Recommendation, startDate time.Time) []domain.Treatment {
	if len(recs) == 0 {
		return nil
	}
	treatments := make([]domain.Treatment, 0, len(recs))
	for i, rec := range recs {
		treatments = append(treatments, domain.Treatment{
			Step:        i + 1,
			Description: rec.Action,
			Date:        startDate.AddDate(0, 0, i).Format(dateLayout),
		})
	}
	return treatments
}
