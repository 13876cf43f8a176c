// Package flags is the persisted per-entity key/value store every client reads
// from and writes to. It is the single source of truth for encounter state.
package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("document not found")
	ErrExists           = errors.New("document already exists")
)

type Kind string

const (
	KindEncounter Kind = "encounter"
	KindCombatant Kind = "combatant"
)

// Ref addresses a document. Parent is the encounter id for combatants.
type Ref struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

func (r Ref) String() string {
	if r.Parent != "" {
		return fmt.Sprintf("%s/%s/%s", r.Parent, r.Kind, r.ID)
	}
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

func EncounterRef(id string) Ref { return Ref{Kind: KindEncounter, ID: id} }

func CombatantRef(encounterID, id string) Ref {
	return Ref{Kind: KindCombatant, ID: id, Parent: encounterID}
}

// Document is one entity with its namespaced flags.
type Document struct {
	Ref     Ref
	Name    string
	Owners  []string
	Flags   map[string]map[string]json.RawMessage
	Version int64
}

// Flag returns the raw value stored under namespace/key.
func (d Document) Flag(namespace, key string) (json.RawMessage, bool) {
	ns, ok := d.Flags[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

func (d Document) OwnedBy(userID string) bool {
	for _, o := range d.Owners {
		if o == userID {
			return true
		}
	}
	return false
}

// Clone deep-copies the flag maps so callers can't mutate store internals.
func (d Document) Clone() Document {
	out := d
	out.Owners = append([]string(nil), d.Owners...)
	out.Flags = make(map[string]map[string]json.RawMessage, len(d.Flags))
	for ns, kv := range d.Flags {
		m := make(map[string]json.RawMessage, len(kv))
		for k, v := range kv {
			m[k] = append(json.RawMessage(nil), v...)
		}
		out.Flags[ns] = m
	}
	return out
}

type Op string

const (
	OpCreate Op = "create"
	OpDelete Op = "delete"
	OpSet    Op = "set"
	OpUnset  Op = "unset"
)

// Change is broadcast to subscribers after a write commits.
type Change struct {
	Ref       Ref             `json:"ref"`
	Op        Op              `json:"op"`
	Namespace string          `json:"namespace,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Version   int64           `json:"version"`
}

// Store is the flag persistence contract. Writes are checked against the
// Identity carried on ctx.
type Store interface {
	Create(ctx context.Context, doc Document) error
	Delete(ctx context.Context, ref Ref) error
	Load(ctx context.Context, ref Ref) (Document, error)
	List(ctx context.Context, kind Kind, parent string) ([]Document, error)
	Get(ctx context.Context, ref Ref, namespace, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, ref Ref, namespace, key string, value any) error
	Unset(ctx context.Context, ref Ref, namespace, key string) error
	Subscribe(kind Kind) Subscription
}

// Marshal encodes a flag value; RawMessage passes through untouched.
func Marshal(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding flag value: %w", err)
	}
	return b, nil
}

// Equal compares two encoded values after compacting whitespace.
func Equal(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
