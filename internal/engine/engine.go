package engine

import (
	"errors"
	"fmt"
	"strings"
)

var ErrAwaitingSelection = errors.New("round advancement awaiting phase selection")
var ErrNotSelecting = errors.New("no phase selection in progress")
var ErrPlayersPending = errors.New("players have not selected a phase")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrUnknownPhase = errors.New("unknown phase")

type Phase string

const (
	PhaseFast  Phase = "fast"
	PhaseEnemy Phase = "enemy"
	PhaseSlow  Phase = "slow"
)

type UIState string

const (
	UIPreparation UIState = "preparation"
	UISelecting   UIState = "selecting"
	UIActive      UIState = "active"
)

type Disposition string

const (
	DispositionHostile  Disposition = "hostile"
	DispositionNeutral  Disposition = "neutral"
	DispositionFriendly Disposition = "friendly"
	DispositionSecret   Disposition = "secret"
)

// Combatant is the typed projection of a combatant document.
type Combatant struct {
	ID          string
	EncounterID string
	Name        string
	ActorID     string
	ActorOwners []string
	Disposition Disposition
	PlayerOwned bool
	Initiative  int
	Defeated    bool

	Phase               Phase
	PlayerSelectedPhase bool
	PendingPhaseChoice  Phase
	NeedsPhaseSelection bool
	ActionTaken         bool

	// Event combatants only; zero means unset.
	Duration     int
	RoundCreated int
}

// OwnedBy reports whether userID is one of the actor owners that get prompted.
func (c Combatant) OwnedBy(userID string) bool {
	for _, id := range c.ActorOwners {
		if id == userID {
			return true
		}
	}
	return false
}

// State is the encounter-level state the phase machine reduces over.
type State struct {
	ID                     string
	Table                  string
	Phase                  Phase
	Round                  int
	UIState                UIState
	AwaitingPhaseSelection bool
	Started                bool
	ActiveCombatant        string
}

type CommandType string

const (
	CmdNextPhase          CommandType = "NextPhase"
	CmdPreviousPhase      CommandType = "PreviousPhase"
	CmdFinishSelection    CommandType = "FinishSelection"
	CmdBeginCombat        CommandType = "BeginCombat"
	CmdSetActiveCombatant CommandType = "SetActiveCombatant"
)

/*
	CmdNextPhase (fast|enemy)  -> EvtPhaseChanged
	CmdNextPhase (slow)        -> EvtSelectionRequested, phase and round untouched until
	                              every player has chosen
	CmdPreviousPhase (fast)    -> EvtRoundChanged -> EvtPhaseChanged (no re-prompt)
	CmdFinishSelection         -> EvtRoundChanged -> EvtPhaseChanged -> EvtReadinessChanged
	CmdBeginCombat             -> EvtCombatStarted, refused while players are pending
*/

type Command struct {
	Type        CommandType
	CombatantID string
	// Pending names the player combatants without a confirmed phase; BeginCombat only.
	Pending []string
}

type EventType string

const (
	EvtPhaseChanged       EventType = "PhaseChanged"
	EvtRoundChanged       EventType = "RoundChanged"
	EvtSelectionRequested EventType = "SelectionRequested"
	EvtReadinessChanged   EventType = "ReadinessChanged"
	EvtCombatStarted      EventType = "CombatStarted"
	EvtCombatantUpdated   EventType = "CombatantUpdated"
	EvtCombatantRemoved   EventType = "CombatantRemoved"
	EvtEncounterDeleted   EventType = "EncounterDeleted"
)

type Event struct {
	Type        EventType
	EncounterID string
	CombatantID string
	Phase       Phase
	Round       int
}

// PendingPlayersError is returned by BeginCombat while players still need to choose.
type PendingPlayersError struct {
	Names []string
}

func (e *PendingPlayersError) Error() string {
	return fmt.Sprintf("waiting for phase selection from: %s", strings.Join(e.Names, ", "))
}

func (e *PendingPlayersError) Unwrap() error { return ErrPlayersPending }

func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s
	if newState.Phase == "" {
		newState.Phase = PhaseFast
	}

	switch cmd.Type {
	case CmdNextPhase:
		if s.AwaitingPhaseSelection {
			return nil, s, ErrAwaitingSelection
		}
		next, boundary := Step(newState.Phase, +1)
		if boundary {
			// Round and phase only move once every player has answered.
			newState.UIState = UISelecting
			newState.AwaitingPhaseSelection = true
			return []Event{{Type: EvtSelectionRequested, EncounterID: s.ID, Round: s.Round}}, newState, nil
		}
		newState.Phase = next
		return []Event{{Type: EvtPhaseChanged, EncounterID: s.ID, Phase: next, Round: s.Round}}, newState, nil

	case CmdPreviousPhase:
		prev, boundary := Step(newState.Phase, -1)
		events := []Event{}
		if boundary {
			newState.Round = max(s.Round-1, 0)
			events = append(events, Event{Type: EvtRoundChanged, EncounterID: s.ID, Round: newState.Round})
		}
		newState.Phase = prev
		events = append(events, Event{Type: EvtPhaseChanged, EncounterID: s.ID, Phase: prev, Round: newState.Round})
		return events, newState, nil

	case CmdFinishSelection:
		if !s.AwaitingPhaseSelection && s.UIState != UISelecting {
			return nil, s, ErrNotSelecting
		}
		newState.Round = s.Round + 1
		newState.Phase = PhaseFast
		newState.UIState = UIActive
		newState.AwaitingPhaseSelection = false
		events := []Event{
			{Type: EvtRoundChanged, EncounterID: s.ID, Round: newState.Round},
			{Type: EvtPhaseChanged, EncounterID: s.ID, Phase: PhaseFast, Round: newState.Round},
			{Type: EvtReadinessChanged, EncounterID: s.ID, Round: newState.Round},
		}
		return events, newState, nil

	case CmdBeginCombat:
		if len(cmd.Pending) > 0 {
			return nil, s, &PendingPlayersError{Names: cmd.Pending}
		}
		newState.Started = true
		newState.UIState = UIActive
		newState.AwaitingPhaseSelection = false
		if newState.Round < 1 {
			newState.Round = 1
		}
		return []Event{{Type: EvtCombatStarted, EncounterID: s.ID, Phase: newState.Phase, Round: newState.Round}}, newState, nil

	case CmdSetActiveCombatant:
		newState.ActiveCombatant = cmd.CombatantID
		return []Event{{Type: EvtCombatantUpdated, EncounterID: s.ID, CombatantID: cmd.CombatantID}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Step moves one slot around PhaseOrder. boundary is true when the move crosses
// between slow and fast in either direction.
func Step(p Phase, dir int) (Phase, bool) {
	idx := p.Index()
	if idx < 0 {
		idx = 0
	}
	n := len(PhaseOrder)
	next := ((idx+dir)%n + n) % n
	boundary := (dir > 0 && idx == n-1 && next == 0) || (dir < 0 && idx == 0 && next == n-1)
	return PhaseOrder[next], boundary
}

func (p Phase) Index() int {
	for i, q := range PhaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Index() >= 0 }

// Selectable reports whether players may choose p for themselves.
func (p Phase) Selectable() bool { return p == PhaseFast || p == PhaseSlow }

// ParsePhase accepts the canonical values plus legacy spellings such as "Fast".
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, raw)
	}
	return p, nil
}

// CombatantPhase returns the explicit phase when set, falling back to the
// disposition default. It never writes.
func CombatantPhase(c Combatant) Phase {
	if c.Phase.Valid() {
		return c.Phase
	}
	return DispositionPhase(c.Disposition)
}

// Roster filters all to the combatants acting in the current phase, keeping
// initiative order.
func Roster(s State, all []Combatant) []Combatant {
	current := s.Phase
	if !current.Valid() {
		current = PhaseFast
	}
	out := []Combatant{}
	for _, c := range SortCombatants(all) {
		if CombatantPhase(c) == current {
			out = append(out, c)
		}
	}
	return out
}

type ReadinessReport struct {
	Selected int
	Total    int
	Pending  []Combatant
	Ready    bool
}

// PendingNames lists the pending combatants by name in initiative order.
func (r ReadinessReport) PendingNames() []string {
	names := make([]string, 0, len(r.Pending))
	for _, c := range r.Pending {
		names = append(names, c.Name)
	}
	return names
}

func Readiness(all []Combatant) ReadinessReport {
	r := ReadinessReport{}
	for _, c := range SortCombatants(all) {
		if !c.PlayerOwned {
			continue
		}
		r.Total++
		if c.PlayerSelectedPhase {
			r.Selected++
		} else {
			r.Pending = append(r.Pending, c)
		}
	}
	r.Ready = r.Selected >= r.Total
	return r
}

// Expired reports whether an event combatant has outlived its duration.
func Expired(c Combatant, round int) bool {
	if c.Duration <= 0 || c.RoundCreated <= 0 {
		return false
	}
	return round-c.RoundCreated >= c.Duration
}
