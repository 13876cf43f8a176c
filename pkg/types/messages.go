// Package types holds the wire shapes shared with clients and other
// coordinator processes.
package types

// Relay message types.
const (
	RelayPhaseChoice       = "phaseChoice"
	RelayCancelPhaseChoice = "cancelPhaseChoice"
)

// RelayMessage asks the coordinator to perform a write the sender was not
// allowed to make. Delivery is at most once.
type RelayMessage struct {
	Type        string `json:"type"`
	CombatantID string `json:"combatantId"`
	CombatID    string `json:"combatId"`
	Choice      string `json:"choice,omitempty"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
}

// Notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
)

// Notice is a short message shown to one user.
type Notice struct {
	Level       string `json:"level"`
	Text        string `json:"text"`
	CombatantID string `json:"combatant_id,omitempty"`
}

// PhaseSelectionPrompt asks the owner of a combatant to pick fast or slow.
// The reply is a PhaseChoice or CancelPhaseChoice client message.
type PhaseSelectionPrompt struct {
	CombatantID   string   `json:"combatant_id"`
	CombatantName string   `json:"combatant_name"`
	EncounterID   string   `json:"encounter_id"`
	Round         int      `json:"round"`
	Options       []string `json:"options"`
}
