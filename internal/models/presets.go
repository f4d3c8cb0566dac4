package models

import (
	"time"
)

// QueueState is the single-row pause flag. Exactly one record exists,
// keyed by QueueStateID.
type QueueState struct {
	ID     uint64 `badgerhold:"key" json:"-"`
	Paused bool   `json:"paused"`
}

// QueueStateID is the fixed key of the singleton QueueState record.
const QueueStateID uint64 = 1

// InputDirEntry remembers a recently used input directory.
type InputDirEntry struct {
	Path       string    `badgerhold:"key" json:"path"`
	LastUsedAt time.Time `badgerhold:"index" json:"last_used_at"`
	UseCount   int       `json:"use_count"`
}

// PromptPreset is a reusable positive/negative prompt pair.
type PromptPreset struct {
	Name           string    `badgerhold:"key" json:"name"`
	Mode           string    `badgerhold:"index" json:"mode"`
	PositivePrompt string    `json:"positive_prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	UpdatedAt      time.Time `badgerhold:"index" json:"updated_at"`
}

// SettingsPreset stores an opaque client-side settings payload.
type SettingsPreset struct {
	Name      string         `badgerhold:"key" json:"name"`
	Payload   map[string]any `json:"payload"`
	UpdatedAt time.Time      `badgerhold:"index" json:"updated_at"`
}
