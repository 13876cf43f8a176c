package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DoyleJ11/tides-backend/internal/flags"
)

var errVersionConflict = errors.New("document changed concurrently")

const maxWriteAttempts = 5

// Store implements flags.Store on PostgreSQL. Every write bumps the document
// version with an optimistic check and queues a pg_notify that is delivered on
// commit. Subscribers are fed by a Listener, so changes made by other server
// processes reach them too.
type Store struct {
	db       *gorm.DB
	notifier *flags.Notifier
	log      *zap.Logger
}

var _ flags.Store = (*Store)(nil)

func NewStore(db *DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db.Gorm, notifier: flags.NewNotifier(0), log: log}
}

func (s *Store) Create(ctx context.Context, doc flags.Document) error {
	id := flags.IdentityFrom(ctx)
	if !id.Privileged {
		return flags.ErrPermissionDenied
	}
	row, fs := rowsFor(doc)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("%s: %w", doc.Ref, flags.ErrExists)
			}
			return fmt.Errorf("inserting document: %w", err)
		}
		if len(fs) > 0 {
			if err := tx.Create(&fs).Error; err != nil {
				return fmt.Errorf("inserting flags: %w", err)
			}
		}
		return notify(tx, flags.Change{Ref: doc.Ref, Op: flags.OpCreate, UserID: id.UserID, Version: row.Version})
	})
}

// Delete removes the document and its flags. Deleting an encounter removes its
// combatants as well.
func (s *Store) Delete(ctx context.Context, ref flags.Ref) error {
	id := flags.IdentityFrom(ctx)
	if !id.Privileged {
		return flags.ErrPermissionDenied
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadRow(tx, ref)
		if err != nil {
			return err
		}
		targets := []documentRow{row}
		if ref.Kind == flags.KindEncounter {
			var children []documentRow
			if err := tx.Where("kind = ? AND parent = ?", string(flags.KindCombatant), ref.ID).Find(&children).Error; err != nil {
				return fmt.Errorf("listing children of %s: %w", ref, err)
			}
			targets = append(targets, children...)
		}
		for _, t := range targets {
			if err := tx.Where("kind = ? AND doc_id = ?", t.Kind, t.ID).Delete(&flagRow{}).Error; err != nil {
				return fmt.Errorf("deleting flags of %s: %w", t.ref(), err)
			}
			if err := tx.Where("kind = ? AND id = ?", t.Kind, t.ID).Delete(&documentRow{}).Error; err != nil {
				return fmt.Errorf("deleting %s: %w", t.ref(), err)
			}
			if err := notify(tx, flags.Change{Ref: t.ref(), Op: flags.OpDelete, UserID: id.UserID, Version: t.Version + 1}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Load(ctx context.Context, ref flags.Ref) (flags.Document, error) {
	tx := s.db.WithContext(ctx)
	row, err := loadRow(tx, ref)
	if err != nil {
		return flags.Document{}, err
	}
	var fs []flagRow
	if err := tx.Where("kind = ? AND doc_id = ?", row.Kind, row.ID).Find(&fs).Error; err != nil {
		return flags.Document{}, fmt.Errorf("loading flags of %s: %w", ref, err)
	}
	return row.document(fs), nil
}

// List returns documents of kind under parent, ordered by id.
func (s *Store) List(ctx context.Context, kind flags.Kind, parent string) ([]flags.Document, error) {
	tx := s.db.WithContext(ctx)
	var rows []documentRow
	if err := tx.Where("kind = ? AND parent = ?", string(kind), parent).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing %s documents: %w", kind, err)
	}
	out := make([]flags.Document, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var fs []flagRow
	if err := tx.Where("kind = ? AND doc_id IN ?", string(kind), ids).Find(&fs).Error; err != nil {
		return nil, fmt.Errorf("loading %s flags: %w", kind, err)
	}
	byDoc := make(map[string][]flagRow, len(rows))
	for _, f := range fs {
		byDoc[f.DocID] = append(byDoc[f.DocID], f)
	}
	for _, r := range rows {
		out = append(out, r.document(byDoc[r.ID]))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, ref flags.Ref, namespace, key string) (json.RawMessage, bool, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadRow(tx, ref); err != nil {
		return nil, false, err
	}
	f, ok, err := findFlag(tx, string(ref.Kind), ref.ID, namespace, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(f.Value), true, nil
}

func (s *Store) Set(ctx context.Context, ref flags.Ref, namespace, key string, value any) error {
	raw, err := flags.Marshal(value)
	if err != nil {
		return err
	}
	id := flags.IdentityFrom(ctx)
	return s.write(ctx, ref, func(tx *gorm.DB, row documentRow) (*flags.Change, error) {
		if err := flags.Authorize(id, row.document(nil), flags.OpSet); err != nil {
			return nil, fmt.Errorf("set %s.%s on %s: %w", namespace, key, ref, err)
		}
		cur, ok, err := findFlag(tx, row.Kind, row.ID, namespace, key)
		if err != nil {
			return nil, err
		}
		if ok && flags.Equal(json.RawMessage(cur.Value), raw) {
			return nil, nil
		}
		f := flagRow{Kind: row.Kind, DocID: row.ID, Namespace: namespace, FlagKey: key, Value: string(raw)}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&f).Error; err != nil {
			return nil, fmt.Errorf("writing %s.%s on %s: %w", namespace, key, ref, err)
		}
		return &flags.Change{Ref: ref, Op: flags.OpSet, Namespace: namespace, Key: key, Value: raw, UserID: id.UserID}, nil
	})
}

func (s *Store) Unset(ctx context.Context, ref flags.Ref, namespace, key string) error {
	id := flags.IdentityFrom(ctx)
	return s.write(ctx, ref, func(tx *gorm.DB, row documentRow) (*flags.Change, error) {
		if err := flags.Authorize(id, row.document(nil), flags.OpUnset); err != nil {
			return nil, fmt.Errorf("unset %s.%s on %s: %w", namespace, key, ref, err)
		}
		res := tx.Where("kind = ? AND doc_id = ? AND namespace = ? AND flag_key = ?", row.Kind, row.ID, namespace, key).
			Delete(&flagRow{})
		if res.Error != nil {
			return nil, fmt.Errorf("removing %s.%s on %s: %w", namespace, key, ref, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return &flags.Change{Ref: ref, Op: flags.OpUnset, Namespace: namespace, Key: key, UserID: id.UserID}, nil
	})
}

func (s *Store) Subscribe(kind flags.Kind) flags.Subscription {
	return s.notifier.Subscribe(kind)
}

// Close drops every subscriber.
func (s *Store) Close() {
	s.notifier.Close()
}

func (s *Store) dispatch(c flags.Change) {
	s.notifier.Publish(c)
}

// resetSubscribers closes every subscription so consumers rebuild from the
// store. Used after the listener lost changes while reconnecting.
func (s *Store) resetSubscribers() {
	s.notifier.Close()
}

// write runs fn against the current document and bumps its version. A nil
// change means fn decided nothing changed. Conflicting writers are retried.
func (s *Store) write(ctx context.Context, ref flags.Ref, fn func(tx *gorm.DB, row documentRow) (*flags.Change, error)) error {
	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := loadRow(tx, ref)
			if err != nil {
				return err
			}
			change, err := fn(tx, row)
			if err != nil || change == nil {
				return err
			}
			res := tx.Model(&documentRow{}).
				Where("kind = ? AND id = ? AND version = ?", row.Kind, row.ID, row.Version).
				Updates(map[string]any{"version": row.Version + 1, "updated_at": time.Now()})
			if res.Error != nil {
				return fmt.Errorf("bumping version of %s: %w", ref, res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			change.Version = row.Version + 1
			return notify(tx, *change)
		})
		if !errors.Is(err, errVersionConflict) || attempt == maxWriteAttempts {
			return err
		}
		s.log.Debug("retrying write after version conflict", zap.Stringer("ref", ref), zap.Int("attempt", attempt))
	}
}

func loadRow(tx *gorm.DB, ref flags.Ref) (documentRow, error) {
	var row documentRow
	err := tx.Where("kind = ? AND id = ?", string(ref.Kind), ref.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Parent != ref.Parent) {
		return documentRow{}, fmt.Errorf("%s: %w", ref, flags.ErrNotFound)
	}
	if err != nil {
		return documentRow{}, fmt.Errorf("loading %s: %w", ref, err)
	}
	return row, nil
}

func findFlag(tx *gorm.DB, kind, docID, namespace, key string) (flagRow, bool, error) {
	var f flagRow
	res := tx.Where("kind = ? AND doc_id = ? AND namespace = ? AND flag_key = ?", kind, docID, namespace, key).
		Limit(1).Find(&f)
	if res.Error != nil {
		return flagRow{}, false, fmt.Errorf("reading %s.%s: %w", namespace, key, res.Error)
	}
	return f, res.RowsAffected > 0, nil
}

// notify queues a change notification; PostgreSQL delivers it when the
// surrounding transaction commits.
func notify(tx *gorm.DB, c flags.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}
	if err := tx.Exec("SELECT pg_notify(?, ?)", changesChannel, string(payload)).Error; err != nil {
		return fmt.Errorf("notifying %s: %w", c.Ref, err)
	}
	return nil
}
