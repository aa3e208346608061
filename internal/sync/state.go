package sync

import "time"

// State records the outcome of the last completed pass
type State struct {
	CompletedAt time.Time                  `json:"completed_at"`
	Assistants  map[string]AssistantRecord `json:"assistants"`
}

// AssistantRecord describes one assistant as of the last pass
type AssistantRecord struct {
	Name   string `json:"name"`
	Model  string `json:"model"`
	Hash   string `json:"hash"`   // SHA256 of config.json
	Result string `json:"result"` // publish outcome
}
