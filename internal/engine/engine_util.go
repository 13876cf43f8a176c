package engine

import (
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func NewEncounterState(id, table string) State {
	return State{
		ID:      id,
		Table:   table,
		Phase:   PhaseFast,
		Round:   1,
		UIState: UIPreparation,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func DispositionPhase(d Disposition) Phase {
	if d == DispositionHostile {
		return PhaseEnemy
	}
	return PhaseFast
}

// DisplayName renders "Fast Phase", "Enemy Phase", "Slow Phase". A Caser
// keeps state between calls, so each call gets its own.
func (p Phase) DisplayName() string {
	if !p.Valid() {
		return "Unknown Phase"
	}
	return cases.Title(language.English).String(string(p)) + " Phase"
}

// SortCombatants returns a copy ordered by initiative (highest first), then name, then id.
func SortCombatants(all []Combatant) []Combatant {
	out := make([]Combatant, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Initiative != out[j].Initiative {
			return out[i].Initiative > out[j].Initiative
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
