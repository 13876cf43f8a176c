package types

// DockView is the dock view model pushed to each client.
//
//	ui_state: "preparation" | "selecting" | "active"
//	current_phase: "fast" | "enemy" | "slow"
//	pending_players: names of player combatants without a confirmed phase
//	roster: combatants acting in the current phase, initiative order
//	prompts: combatant ids the receiving user still has to choose for
type DockView struct {
	Version        int           `json:"version"`
	HasEncounter   bool          `json:"has_encounter"`
	EncounterID    string        `json:"encounter_id,omitempty"`
	UIState        string        `json:"ui_state"`
	CurrentPhase   string        `json:"current_phase"`
	PhaseName      string        `json:"phase_name"`
	CurrentRound   int           `json:"current_round"`
	Started        bool          `json:"started"`
	IsGM           bool          `json:"is_gm"`
	PendingPlayers []string      `json:"pending_players"`
	Roster         []RosterEntry `json:"roster"`
	Combatants     []RosterEntry `json:"combatants"`
	Prompts        []string      `json:"prompts"`
}

type RosterEntry struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Phase               string `json:"phase"`
	Initiative          int    `json:"initiative"`
	PlayerOwned         bool   `json:"player_owned"`
	PlayerSelectedPhase bool   `json:"player_selected_phase"`
	NeedsPhaseSelection bool   `json:"needs_phase_selection"`
	ActionTaken         bool   `json:"action_taken"`
	Active              bool   `json:"active"`
	Defeated            bool   `json:"defeated"`
	Owned               bool   `json:"owned"`
	RoundsLeft          int    `json:"rounds_left,omitempty"`
}
