package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

type Outcome int

const (
	OutcomeCancelled Outcome = iota
	OutcomeDirect
	OutcomeRelayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDirect:
		return "direct"
	case OutcomeRelayed:
		return "relayed"
	default:
		return "cancelled"
	}
}

// Submitter is the player side of a phase choice. It writes the choice onto
// the combatant and falls back to the relay when the store refuses.
type Submitter struct {
	store   flags.Store
	channel Channel
	log     *zap.Logger
}

func NewSubmitter(store flags.Store, channel Channel, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{store: store, channel: channel, log: log}
}

// Submit records choice for the combatant as the identity on ctx.
func (s *Submitter) Submit(ctx context.Context, encounterID, combatantID string, choice engine.Phase) (Outcome, error) {
	if !choice.Selectable() {
		return OutcomeCancelled, fmt.Errorf("%w: %q", tracker.ErrInvalidChoice, choice)
	}
	ref := flags.CombatantRef(encounterID, combatantID)
	err := s.store.Set(ctx, ref, record.Namespace, record.KeyPendingPhaseChoice, string(choice))
	if err == nil {
		s.clearRequest(ctx, ref)
		return OutcomeDirect, nil
	}
	if !errors.Is(err, flags.ErrPermissionDenied) {
		return OutcomeCancelled, err
	}

	id := flags.IdentityFrom(ctx)
	msg := Message{
		Type:        types.RelayPhaseChoice,
		CombatantID: combatantID,
		CombatID:    encounterID,
		Choice:      string(choice),
		UserID:      id.UserID,
		UserName:    id.Name,
	}
	s.log.Debug("direct write refused, relaying choice",
		zap.String("combatant", combatantID), zap.String("user", id.UserID))
	perr := s.channel.Publish(ctx, msg)
	// The prompt must not stay open even when the relay failed.
	s.clearRequest(ctx, ref)
	if perr != nil {
		return OutcomeRelayed, fmt.Errorf("relaying phase choice: %w", perr)
	}
	return OutcomeRelayed, nil
}

// Cancel treats a closed prompt as no selection and clears the request flag.
func (s *Submitter) Cancel(ctx context.Context, encounterID, combatantID string) (Outcome, error) {
	ref := flags.CombatantRef(encounterID, combatantID)
	err := s.store.Unset(ctx, ref, record.Namespace, record.KeyNeedsPhaseSelection)
	if err == nil {
		return OutcomeDirect, nil
	}
	if !errors.Is(err, flags.ErrPermissionDenied) {
		return OutcomeCancelled, err
	}
	id := flags.IdentityFrom(ctx)
	return OutcomeRelayed, s.channel.Publish(ctx, Message{
		Type:        types.RelayCancelPhaseChoice,
		CombatantID: combatantID,
		CombatID:    encounterID,
		UserID:      id.UserID,
		UserName:    id.Name,
	})
}

func (s *Submitter) clearRequest(ctx context.Context, ref flags.Ref) {
	err := s.store.Unset(ctx, ref, record.Namespace, record.KeyNeedsPhaseSelection)
	if err != nil && !errors.Is(err, flags.ErrPermissionDenied) {
		s.log.Warn("clearing selection request failed", zap.Stringer("ref", ref), zap.Error(err))
	}
}

// Prompt describes one pending selection shown to a player.
type Prompt struct {
	EncounterID   string
	CombatantID   string
	CombatantName string
	Round         int
}

// Prompter is the selection prompt UI. It returns fast, slow, or "" when the
// player closed the prompt.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt) (engine.Phase, error)
}

// Agent runs a prompt for the player and submits the answer.
type Agent struct {
	submitter *Submitter
	prompter  Prompter
}

func NewAgent(submitter *Submitter, prompter Prompter) *Agent {
	return &Agent{submitter: submitter, prompter: prompter}
}

// HandleSelectionRequest prompts for p and submits the answer. A closed prompt
// clears the request; a prompt that failed (connection gone) leaves it so the
// player is asked again on reconnect.
func (a *Agent) HandleSelectionRequest(ctx context.Context, p Prompt) (Outcome, error) {
	choice, err := a.prompter.Prompt(ctx, p)
	if err != nil {
		return OutcomeCancelled, err
	}
	if choice == "" {
		_, err := a.submitter.Cancel(ctx, p.EncounterID, p.CombatantID)
		return OutcomeCancelled, err
	}
	return a.submitter.Submit(ctx, p.EncounterID, p.CombatantID, choice)
}
