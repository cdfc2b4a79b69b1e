package jobs

import (
	"strings"

	"webhook-relay/internal/models"
)

// Providers report terminal states under several synonymous strings. Every
// recognized spelling maps to one canonical status so the poll loop never
// treats a terminal task as still running.
var stateSynonyms = map[string]string{
	"success":   models.StatusDone,
	"succeeded": models.StatusDone,
	"done":      models.StatusDone,
	"complete":  models.StatusDone,
	"completed": models.StatusDone,
	"finished":  models.StatusDone,

	"failed":    models.StatusFailed,
	"failure":   models.StatusFailed,
	"error":     models.StatusFailed,
	"cancelled": models.StatusFailed,
	"canceled":  models.StatusFailed,
	"timeout":   models.StatusFailed,
	"expired":   models.StatusFailed,
}

// NormalizeState maps a provider-reported state to pending/running/done/failed.
// Unknown states are treated as still running.
func NormalizeState(state string) string {
	if canonical, ok := stateSynonyms[strings.ToLower(strings.TrimSpace(state))]; ok {
		return canonical
	}
	return models.StatusRunning
}
