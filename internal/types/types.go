package types

import "github.com/DoyleJ11/tides-backend/pkg/types"

// Client message types.
const (
	MsgIntent            = "Intent"
	MsgPhaseChoice       = "PhaseChoice"
	MsgCancelPhaseChoice = "CancelPhaseChoice"
)

// Server message types.
const (
	MsgDockSnapshot         = "DockSnapshot"
	MsgPhaseSelectionPrompt = "PhaseSelectionPrompt"
	MsgNotice               = "Notice"
	MsgError                = "Error"
)

type ClientMessage struct {
	Type        string        `json:"type"`
	Action      string        `json:"action,omitempty"`
	CombatantID string        `json:"combatant_id,omitempty"`
	Phase       string        `json:"phase,omitempty"`
	Name        string        `json:"name,omitempty"`
	Combatant   *NewCombatant `json:"combatant,omitempty"`
}

// NewCombatant is the add-combatant payload.
type NewCombatant struct {
	Name        string   `json:"name"`
	ActorID     string   `json:"actor_id,omitempty"`
	ActorOwners []string `json:"actor_owners,omitempty"`
	Disposition string   `json:"disposition,omitempty"`
	PlayerOwned bool     `json:"player_owned,omitempty"`
	Initiative  int      `json:"initiative,omitempty"`
	Duration    int      `json:"duration,omitempty"`
}

type ServerMessage struct {
	Type   string                      `json:"type"`
	Dock   *types.DockView             `json:"dock,omitempty"`
	Prompt *types.PhaseSelectionPrompt `json:"prompt,omitempty"`
	Notice *types.Notice               `json:"notice,omitempty"`
	Error  string                      `json:"error,omitempty"`
}
