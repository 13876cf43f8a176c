// Package dock builds the dock view model from tracker state and turns dock
// actions into tracker operations.
package dock

import (
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

// Viewer is the user a view is rendered for.
type Viewer struct {
	UserID string
	GM     bool
}

type Entry struct {
	ID                  string
	Name                string
	Phase               engine.Phase
	Initiative          int
	PlayerOwned         bool
	PlayerSelectedPhase bool
	NeedsPhaseSelection bool
	ActionTaken         bool
	Active              bool
	Defeated            bool
	// Owned is true when the viewer controls the combatant.
	Owned bool
	// RoundsLeft is set for event combatants only.
	RoundsLeft int
}

type View struct {
	HasEncounter   bool
	EncounterID    string
	UIState        engine.UIState
	CurrentPhase   engine.Phase
	PhaseName      string
	CurrentRound   int
	Started        bool
	IsGM           bool
	PendingPlayers []string
	// Roster is the current phase in initiative order.
	Roster []Entry
	// Combatants is everyone the viewer may see, in initiative order.
	Combatants []Entry
	// Prompts lists combatant ids the viewer still has to choose a phase for.
	Prompts []string
}

// Empty is the view rendered when the table has no encounter.
func Empty(viewer Viewer) View {
	return View{
		UIState:        engine.UIPreparation,
		CurrentPhase:   engine.PhaseFast,
		PhaseName:      engine.PhaseFast.DisplayName(),
		IsGM:           viewer.GM,
		PendingPlayers: []string{},
		Roster:         []Entry{},
		Combatants:     []Entry{},
		Prompts:        []string{},
	}
}

// Projection is an encounter loaded once and rendered for any number of
// viewers.
type Projection struct {
	ok         bool
	state      engine.State
	combatants []engine.Combatant
}

func (p Projection) Loaded() bool { return p.ok }

func (p Projection) View(viewer Viewer) View {
	if !p.ok {
		return Empty(viewer)
	}
	return Build(p.state, p.combatants, viewer)
}

// Build renders the view of s and its combatants for viewer. Secret
// combatants are only shown to the GM.
func Build(s engine.State, all []engine.Combatant, viewer Viewer) View {
	v := Empty(viewer)
	v.HasEncounter = true
	v.EncounterID = s.ID
	v.UIState = s.UIState
	v.CurrentPhase = s.Phase
	v.PhaseName = s.Phase.DisplayName()
	v.CurrentRound = s.Round
	v.Started = s.Started
	v.PendingPlayers = engine.Readiness(all).PendingNames()

	visible := make([]engine.Combatant, 0, len(all))
	for _, c := range engine.SortCombatants(all) {
		if !viewer.GM && c.Disposition == engine.DispositionSecret {
			continue
		}
		visible = append(visible, c)
		v.Combatants = append(v.Combatants, entry(s, c, viewer))
		if needsPrompt(c, viewer) {
			v.Prompts = append(v.Prompts, c.ID)
		}
	}
	for _, c := range engine.Roster(s, visible) {
		v.Roster = append(v.Roster, entry(s, c, viewer))
	}
	return v
}

func needsPrompt(c engine.Combatant, viewer Viewer) bool {
	return c.PlayerOwned && c.NeedsPhaseSelection && !c.PlayerSelectedPhase &&
		c.PendingPhaseChoice == "" && viewer.UserID != "" && c.OwnedBy(viewer.UserID)
}

func entry(s engine.State, c engine.Combatant, viewer Viewer) Entry {
	e := Entry{
		ID:                  c.ID,
		Name:                c.Name,
		Phase:               engine.CombatantPhase(c),
		Initiative:          c.Initiative,
		PlayerOwned:         c.PlayerOwned,
		PlayerSelectedPhase: c.PlayerSelectedPhase,
		NeedsPhaseSelection: c.NeedsPhaseSelection,
		ActionTaken:         c.ActionTaken,
		Active:              s.ActiveCombatant == c.ID,
		Defeated:            c.Defeated,
		Owned:               viewer.UserID != "" && c.OwnedBy(viewer.UserID),
	}
	// Players see no phase for combatants still choosing.
	if c.PlayerOwned && !c.Phase.Valid() {
		e.Phase = ""
	}
	if c.Duration > 0 && c.RoundCreated > 0 {
		e.RoundsLeft = max(c.Duration-(s.Round-c.RoundCreated), 0)
	}
	return e
}

// Wire converts v to the client payload.
func (v View) Wire(version int) types.DockView {
	out := types.DockView{
		Version:        version,
		HasEncounter:   v.HasEncounter,
		EncounterID:    v.EncounterID,
		UIState:        string(v.UIState),
		CurrentPhase:   string(v.CurrentPhase),
		PhaseName:      v.PhaseName,
		CurrentRound:   v.CurrentRound,
		Started:        v.Started,
		IsGM:           v.IsGM,
		PendingPlayers: append([]string{}, v.PendingPlayers...),
		Roster:         wireEntries(v.Roster),
		Combatants:     wireEntries(v.Combatants),
		Prompts:        append([]string{}, v.Prompts...),
	}
	return out
}

func wireEntries(entries []Entry) []types.RosterEntry {
	out := make([]types.RosterEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.RosterEntry{
			ID:                  e.ID,
			Name:                e.Name,
			Phase:               string(e.Phase),
			Initiative:          e.Initiative,
			PlayerOwned:         e.PlayerOwned,
			PlayerSelectedPhase: e.PlayerSelectedPhase,
			NeedsPhaseSelection: e.NeedsPhaseSelection,
			ActionTaken:         e.ActionTaken,
			Active:              e.Active,
			Defeated:            e.Defeated,
			Owned:               e.Owned,
			RoundsLeft:          e.RoundsLeft,
		})
	}
	return out
}
