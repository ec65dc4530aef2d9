package subscription

import (
	"slices"

	"pinga/service/notification"
)

// WebhookRules restricts which inbound sources reach a channel. With no
// source rules every notification is allowed.
type WebhookRules struct {
	Sources []SourceRule `json:"sources"`
}

type SourceRule struct {
	Type    string      `json:"type"`
	Enabled bool        `json:"enabled"`
	Filters RuleFilters `json:"filters"`
}

// RuleFilters are allow-lists. An empty list does not filter.
type RuleFilters struct {
	Repositories []string `json:"repositories"`
	EventTypes   []string `json:"eventTypes"`
	Services     []string `json:"services"`
}

func (r WebhookRules) IsEmpty() bool {
	return len(r.Sources) == 0
}

// Allows reports whether p passes at least one enabled source rule.
func (r WebhookRules) Allows(p notification.Payload) bool {
	if r.IsEmpty() {
		return true
	}
	for _, rule := range r.Sources {
		if rule.matches(p) {
			return true
		}
	}
	return false
}

func (s SourceRule) matches(p notification.Payload) bool {
	if !s.Enabled || s.Type != p.Source {
		return false
	}
	return allowed(s.Filters.Repositories, p.Repository) &&
		allowed(s.Filters.EventTypes, p.EventType) &&
		allowed(s.Filters.Services, p.Service)
}

func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}
