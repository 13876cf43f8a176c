// Package record maps flag documents to the typed engine records and back.
// Missing and legacy fields are migrated on decode; nothing here writes.
package record

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
)

const (
	Namespace     = "tides-of-battle"
	CoreNamespace = "core"

	SchemaVersion = 1
)

// Module flag keys.
const (
	KeySchemaVersion = "schemaVersion"

	KeyPhase               = "phase"
	KeyPlayerSelectedPhase = "playerSelectedPhase"
	KeyPendingPhaseChoice  = "pendingPhaseChoice"
	KeyNeedsPhaseSelection = "needsPhaseSelection"
	KeyActionTaken         = "actionTaken"
	KeyDuration            = "duration"
	KeyRoundCreated        = "roundCreated"

	KeyCurrentPhase           = "currentPhase"
	KeyRound                  = "round"
	KeyUIState                = "uiState"
	KeyAwaitingPhaseSelection = "awaitingPhaseSelection"
	KeyStarted                = "started"
	KeyActiveCombatant        = "activeCombatant"
	KeyTable                  = "table"
)

// Core (identity) keys on combatant documents.
const (
	KeyActorID     = "actorId"
	KeyActorOwners = "actorOwners"
	KeyDisposition = "disposition"
	KeyPlayerOwned = "playerOwned"
	KeyInitiative  = "initiative"
	KeyDefeated    = "defeated"
)

// DecodeCombatant builds the typed combatant. Unknown phase values decode as
// unset so the disposition fallback applies.
func DecodeCombatant(doc flags.Document) engine.Combatant {
	c := engine.Combatant{
		ID:          doc.Ref.ID,
		EncounterID: doc.Ref.Parent,
		Name:        doc.Name,
	}
	core := doc.Flags[CoreNamespace]
	c.ActorID = stringValue(core[KeyActorID])
	c.ActorOwners = stringsValue(core[KeyActorOwners])
	c.Disposition = engine.Disposition(strings.ToLower(stringValue(core[KeyDisposition])))
	c.PlayerOwned = boolValue(core[KeyPlayerOwned])
	c.Initiative = intValue(core[KeyInitiative])
	c.Defeated = boolValue(core[KeyDefeated])

	mod := doc.Flags[Namespace]
	c.Phase = phaseValue(mod[KeyPhase])
	c.PlayerSelectedPhase = boolValue(mod[KeyPlayerSelectedPhase])
	c.PendingPhaseChoice = phaseValue(mod[KeyPendingPhaseChoice])
	c.NeedsPhaseSelection = boolValue(mod[KeyNeedsPhaseSelection])
	c.ActionTaken = boolValue(mod[KeyActionTaken])
	c.Duration = intValue(mod[KeyDuration])
	c.RoundCreated = intValue(mod[KeyRoundCreated])
	return c
}

// DecodeEncounter builds the encounter state, filling defaults for documents
// written before the schema existed.
func DecodeEncounter(doc flags.Document) engine.State {
	mod := doc.Flags[Namespace]
	s := engine.State{
		ID:                     doc.Ref.ID,
		Table:                  stringValue(mod[KeyTable]),
		Phase:                  phaseValue(mod[KeyCurrentPhase]),
		AwaitingPhaseSelection: boolValue(mod[KeyAwaitingPhaseSelection]),
		Started:                boolValue(mod[KeyStarted]),
		ActiveCombatant:        stringValue(mod[KeyActiveCombatant]),
	}
	if s.Phase == "" {
		s.Phase = engine.PhaseFast
	}
	if raw, ok := mod[KeyRound]; ok {
		s.Round = intValue(raw)
	} else {
		s.Round = 1
	}
	switch engine.UIState(stringValue(mod[KeyUIState])) {
	case engine.UIPreparation:
		s.UIState = engine.UIPreparation
	case engine.UISelecting:
		s.UIState = engine.UISelecting
	case engine.UIActive:
		s.UIState = engine.UIActive
	default:
		switch {
		case s.AwaitingPhaseSelection:
			s.UIState = engine.UISelecting
		case s.Started:
			s.UIState = engine.UIActive
		default:
			s.UIState = engine.UIPreparation
		}
	}
	return s
}

// EncodeEncounter returns the module flags persisted for s.
func EncodeEncounter(s engine.State) map[string]any {
	return map[string]any{
		KeySchemaVersion:          SchemaVersion,
		KeyTable:                  s.Table,
		KeyCurrentPhase:           string(s.Phase),
		KeyRound:                  s.Round,
		KeyUIState:                string(s.UIState),
		KeyAwaitingPhaseSelection: s.AwaitingPhaseSelection,
		KeyStarted:                s.Started,
		KeyActiveCombatant:        s.ActiveCombatant,
	}
}

// EncodeCombatantCore returns the identity flags written when a combatant joins.
func EncodeCombatantCore(c engine.Combatant) map[string]any {
	owners := c.ActorOwners
	if owners == nil {
		owners = []string{}
	}
	return map[string]any{
		KeyActorID:     c.ActorID,
		KeyActorOwners: owners,
		KeyDisposition: string(c.Disposition),
		KeyPlayerOwned: c.PlayerOwned,
		KeyInitiative:  c.Initiative,
		KeyDefeated:    c.Defeated,
	}
}

// NewDocument assembles a document from flag maps keyed by namespace.
func NewDocument(ref flags.Ref, name string, owners []string, namespaces map[string]map[string]any) (flags.Document, error) {
	doc := flags.Document{
		Ref:    ref,
		Name:   name,
		Owners: owners,
		Flags:  map[string]map[string]json.RawMessage{},
	}
	for ns, kv := range namespaces {
		m := make(map[string]json.RawMessage, len(kv))
		for k, v := range kv {
			raw, err := flags.Marshal(v)
			if err != nil {
				return flags.Document{}, err
			}
			m[k] = raw
		}
		doc.Flags[ns] = m
	}
	return doc, nil
}

func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func stringsValue(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	// Legacy: a single owner stored as a string.
	if s := stringValue(raw); s != "" {
		return []string{s}
	}
	return nil
}

func boolValue(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	parsed, err := strconv.ParseBool(stringValue(raw))
	return err == nil && parsed
}

func intValue(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	n, err := strconv.Atoi(strings.TrimSpace(stringValue(raw)))
	if err != nil {
		return 0
	}
	return n
}

func phaseValue(raw json.RawMessage) engine.Phase {
	s := stringValue(raw)
	if s == "" || s == "null" {
		return ""
	}
	p, err := engine.ParsePhase(s)
	if err != nil {
		return ""
	}
	return p
}
