package models

import "time"

type PayloadData struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Entity     map[string]any `json:"entity"`
	Previous   map[string]any `json:"previous,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
}

// WebhookPayload is the canonical notification body. It is immutable once
// built; subscription templates derive transformed copies from it.
type WebhookPayload struct {
	ID        string         `json:"id"`
	Event     EventType      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      PayloadData    `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
