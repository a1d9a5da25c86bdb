package lifecycle

import (
	"fmt"

	"threatlens/pkg/models"
)

// InvalidTransitionError rejects a status change the workflow does not
// allow. The incident is left untouched.
type InvalidTransitionError struct {
	Key  string
	From models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for incident %s: %s -> %s", e.Key, e.From, e.To)
}

// allowedTransitions is the workflow table. false_positive is additionally
// reachable from every non-resolved state; reopening a closed incident is
// only ever explicit.
var allowedTransitions = map[models.Status][]models.Status{
	models.StatusOpen:          {models.StatusInvestigating, models.StatusFalsePositive},
	models.StatusInvestigating: {models.StatusContained, models.StatusEscalated, models.StatusResolved, models.StatusFalsePositive},
	models.StatusContained:     {models.StatusResolved, models.StatusEscalated, models.StatusFalsePositive},
	models.StatusEscalated:     {models.StatusContained, models.StatusResolved, models.StatusFalsePositive},
	models.StatusResolved:      {models.StatusOpen},
	models.StatusFalsePositive: {models.StatusOpen},
}

// CanTransition reports whether the workflow permits from -> to.
func CanTransition(from, to models.Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
