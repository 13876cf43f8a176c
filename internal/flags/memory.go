package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. Used by tests and single-process
// deployments (store.driver=memory).
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[Ref]Document
	notifier *Notifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[Ref]Document),
		notifier: NewNotifier(0),
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc Document) error {
	id := IdentityFrom(ctx)
	if !id.Privileged {
		return ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.Ref]; ok {
		return fmt.Errorf("%s: %w", doc.Ref, ErrExists)
	}
	stored := doc.Clone()
	if stored.Flags == nil {
		stored.Flags = map[string]map[string]json.RawMessage{}
	}
	stored.Version = 1
	s.docs[doc.Ref] = stored
	s.notifier.Publish(Change{Ref: doc.Ref, Op: OpCreate, UserID: id.UserID, Version: stored.Version})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	id := IdentityFrom(ctx)
	if !id.Privileged {
		return ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	delete(s.docs, ref)
	s.notifier.Publish(Change{Ref: ref, Op: OpDelete, UserID: id.UserID, Version: doc.Version + 1})

	if ref.Kind == KindEncounter {
		for childRef, child := range s.docs {
			if childRef.Kind == KindCombatant && childRef.Parent == ref.ID {
				delete(s.docs, childRef)
				s.notifier.Publish(Change{Ref: childRef, Op: OpDelete, UserID: id.UserID, Version: child.Version + 1})
			}
		}
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, ref Ref) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return doc.Clone(), nil
}

// List returns documents of kind under parent, ordered by id.
func (s *MemoryStore) List(_ context.Context, kind Kind, parent string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Document{}
	for ref, doc := range s.docs {
		if ref.Kind == kind && ref.Parent == parent {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, ref Ref, namespace, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	v, ok := doc.Flag(namespace, key)
	return append(json.RawMessage(nil), v...), ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, ref Ref, namespace, key string, value any) error {
	raw, err := Marshal(value)
	if err != nil {
		return err
	}
	id := IdentityFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err := Authorize(id, doc, OpSet); err != nil {
		return fmt.Errorf("set %s.%s on %s: %w", namespace, key, ref, err)
	}
	if current, ok := doc.Flag(namespace, key); ok && Equal(current, raw) {
		return nil
	}
	if doc.Flags[namespace] == nil {
		doc.Flags[namespace] = map[string]json.RawMessage{}
	}
	doc.Flags[namespace][key] = raw
	doc.Version++
	s.docs[ref] = doc
	s.notifier.Publish(Change{Ref: ref, Op: OpSet, Namespace: namespace, Key: key, Value: raw, UserID: id.UserID, Version: doc.Version})
	return nil
}

func (s *MemoryStore) Unset(ctx context.Context, ref Ref, namespace, key string) error {
	id := IdentityFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err := Authorize(id, doc, OpUnset); err != nil {
		return fmt.Errorf("unset %s.%s on %s: %w", namespace, key, ref, err)
	}
	if _, ok := doc.Flag(namespace, key); !ok {
		return nil
	}
	delete(doc.Flags[namespace], key)
	doc.Version++
	s.docs[ref] = doc
	s.notifier.Publish(Change{Ref: ref, Op: OpUnset, Namespace: namespace, Key: key, UserID: id.UserID, Version: doc.Version})
	return nil
}

func (s *MemoryStore) Subscribe(kind Kind) Subscription {
	return s.notifier.Subscribe(kind)
}
