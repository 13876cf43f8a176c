package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

var gm = flags.Identity{UserID: "gm", Privileged: true}

type sqlStateErr string

func (e sqlStateErr) Error() string    { return "sqlstate " + string(e) }
func (e sqlStateErr) SQLState() string { return string(e) }

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, isDuplicateKeyError(sqlStateErr("23505")))
	assert.True(t, isDuplicateKeyError(errors.Join(errors.New("insert"), sqlStateErr("23505"))))
	assert.False(t, isDuplicateKeyError(sqlStateErr("23503")))
	assert.False(t, isDuplicateKeyError(errors.New("boom")))
}

func TestRowsForDocument(t *testing.T) {
	doc := flags.Document{
		Ref:    flags.CombatantRef("enc", "c1"),
		Name:   "Aria",
		Owners: []string{"p1"},
		Flags: map[string]map[string]json.RawMessage{
			"tides-of-battle": {"phase": json.RawMessage(`"fast"`)},
			"core":            {"initiative": json.RawMessage(`15`)},
		},
	}
	row, fs := rowsFor(doc)
	assert.Equal(t, "combatant", row.Kind)
	assert.Equal(t, "enc", row.Parent)
	assert.Equal(t, int64(1), row.Version)
	assert.Len(t, fs, 2)

	back := row.document(fs)
	assert.Equal(t, doc.Ref, back.Ref)
	assert.True(t, back.OwnedBy("p1"))
	v, ok := back.Flag("tides-of-battle", "phase")
	require.True(t, ok)
	assert.JSONEq(t, `"fast"`, string(v))
}

func offlineListener() (*Listener, *Store, *RelayChannel) {
	store := &Store{notifier: flags.NewNotifier(0), log: zap.NewNop()}
	rc := &RelayChannel{local: relay.NewMemoryChannel(0)}
	return &Listener{store: store, relay: rc, log: zap.NewNop(), retry: time.Millisecond}, store, rc
}

func TestListenerDispatchesChanges(t *testing.T) {
	l, store, _ := offlineListener()
	sub := store.Subscribe(flags.KindCombatant)
	defer sub.Close()

	c := flags.Change{Ref: flags.CombatantRef("enc", "c1"), Op: flags.OpSet, Namespace: "tides-of-battle", Key: "phase", Value: json.RawMessage(`"slow"`), Version: 3}
	payload, err := json.Marshal(c)
	require.NoError(t, err)
	l.dispatch(context.Background(), &pgconn.Notification{Channel: changesChannel, Payload: string(payload)})
	l.dispatch(context.Background(), &pgconn.Notification{Channel: changesChannel, Payload: "{not json"})

	select {
	case got := <-sub.Changes:
		assert.Equal(t, c.Ref, got.Ref)
		assert.Equal(t, int64(3), got.Version)
		assert.JSONEq(t, `"slow"`, string(got.Value))
	case <-time.After(time.Second):
		t.Fatalf("change not delivered")
	}
	select {
	case got, ok := <-sub.Changes:
		if ok {
			t.Fatalf("unexpected change %+v", got)
		}
	default:
	}
}

func TestListenerDispatchesRelayMessages(t *testing.T) {
	l, _, rc := offlineListener()
	sub := rc.Subscribe()
	defer sub.Close()

	m := relay.Message{Type: types.RelayPhaseChoice, CombatantID: "c1", CombatID: "enc", Choice: "fast", UserID: "p1"}
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	l.dispatch(context.Background(), &pgconn.Notification{Channel: relayChannel, Payload: string(payload)})

	select {
	case got := <-sub.Messages:
		assert.Equal(t, m, got)
	case <-time.After(time.Second):
		t.Fatalf("relay message not delivered")
	}
}

func TestResetSubscribersClosesChannels(t *testing.T) {
	_, store, _ := offlineListener()
	sub := store.Subscribe(flags.KindEncounter)
	store.resetSubscribers()
	_, ok := <-sub.Changes
	assert.False(t, ok)

	again := store.Subscribe(flags.KindEncounter)
	defer again.Close()
	store.dispatch(flags.Change{Ref: flags.EncounterRef("e"), Op: flags.OpCreate})
	got := <-again.Changes
	assert.Equal(t, flags.OpCreate, got.Op)
}

// Tests below need a database: TIDES_TEST_DATABASE_DSN=postgres://...

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TIDES_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TIDES_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	db, err := openDSN(ctx, dsn, 4, 0, 0)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return db
}

func startListener(t *testing.T, db *DB) (*Store, *RelayChannel) {
	t.Helper()
	store := NewStore(db, nil)
	rc := NewRelayChannel(db, 0)
	l := NewListener(db, store, rc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// LISTEN is issued asynchronously; give it a moment.
	time.Sleep(200 * time.Millisecond)
	return store, rc
}

func newEncounter(t *testing.T, store *Store) flags.Ref {
	t.Helper()
	ref := flags.EncounterRef(uuid.NewString())
	err := store.Create(flags.WithIdentity(context.Background(), gm), flags.Document{
		Ref:   ref,
		Name:  "Ambush",
		Flags: map[string]map[string]json.RawMessage{"tides-of-battle": {"round": json.RawMessage(`1`)}},
	})
	require.NoError(t, err)
	return ref
}

func TestStoreCreateLoadDelete(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, nil)
	ctx := flags.WithIdentity(context.Background(), gm)

	enc := newEncounter(t, store)
	err := store.Create(ctx, flags.Document{Ref: enc})
	assert.ErrorIs(t, err, flags.ErrExists)

	child := flags.CombatantRef(enc.ID, uuid.NewString())
	require.NoError(t, store.Create(ctx, flags.Document{Ref: child, Name: "Goblin", Owners: []string{"p1"}}))

	docs, err := store.List(ctx, flags.KindCombatant, enc.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Goblin", docs[0].Name)

	doc, err := store.Load(ctx, enc)
	require.NoError(t, err)
	v, ok := doc.Flag("tides-of-battle", "round")
	require.True(t, ok)
	assert.JSONEq(t, `1`, string(v))

	require.NoError(t, store.Delete(ctx, enc))
	_, err = store.Load(ctx, child)
	assert.ErrorIs(t, err, flags.ErrNotFound)
}

func TestStoreSetUnsetVersions(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, nil)
	ctx := flags.WithIdentity(context.Background(), gm)
	enc := newEncounter(t, store)

	require.NoError(t, store.Set(ctx, enc, "tides-of-battle", "phase", "enemy"))
	require.NoError(t, store.Set(ctx, enc, "tides-of-battle", "phase", "enemy"))
	doc, err := store.Load(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version, "rewriting the same value is a no-op")

	require.NoError(t, store.Unset(ctx, enc, "tides-of-battle", "phase"))
	require.NoError(t, store.Unset(ctx, enc, "tides-of-battle", "phase"))
	_, ok, err := store.Get(ctx, enc, "tides-of-battle", "phase")
	require.NoError(t, err)
	assert.False(t, ok)
	doc, err = store.Load(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Version)
}

func TestStorePermissions(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, nil)
	enc := newEncounter(t, store)
	child := flags.CombatantRef(enc.ID, uuid.NewString())
	require.NoError(t, store.Create(flags.WithIdentity(context.Background(), gm), flags.Document{Ref: child, Owners: []string{"p1"}}))

	owner := flags.WithIdentity(context.Background(), flags.Identity{UserID: "p1"})
	stranger := flags.WithIdentity(context.Background(), flags.Identity{UserID: "p2"})

	assert.NoError(t, store.Set(owner, child, "tides-of-battle", "pendingPhaseChoice", "slow"))
	assert.ErrorIs(t, store.Set(stranger, child, "tides-of-battle", "pendingPhaseChoice", "fast"), flags.ErrPermissionDenied)
	assert.ErrorIs(t, store.Set(owner, enc, "tides-of-battle", "round", 2), flags.ErrPermissionDenied)
	assert.ErrorIs(t, store.Delete(owner, child), flags.ErrPermissionDenied)
}

func TestStoreNotifiesAcrossListeners(t *testing.T) {
	db := openTestDB(t)
	store, _ := startListener(t, db)
	sub := store.Subscribe(flags.KindEncounter)
	defer sub.Close()

	writer := NewStore(db, nil)
	enc := newEncounter(t, writer)
	require.NoError(t, writer.Set(flags.WithIdentity(context.Background(), gm), enc, "tides-of-battle", "phase", "slow"))

	var got []flags.Change
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case c := <-sub.Changes:
			if c.Ref == enc {
				got = append(got, c)
			}
		case <-deadline:
			t.Fatalf("want 2 changes, got %+v", got)
		}
	}
	assert.Equal(t, flags.OpCreate, got[0].Op)
	assert.Equal(t, flags.OpSet, got[1].Op)
	assert.Equal(t, "phase", got[1].Key)
	assert.Equal(t, int64(2), got[1].Version)
}

func TestRelayChannelRoundTrip(t *testing.T) {
	db := openTestDB(t)
	_, rc := startListener(t, db)
	sub := rc.Subscribe()
	defer sub.Close()

	m := relay.Message{Type: types.RelayPhaseChoice, CombatantID: uuid.NewString(), CombatID: "enc", Choice: "slow", UserID: "p1"}
	require.NoError(t, rc.Publish(context.Background(), m))
	assert.ErrorIs(t, rc.Publish(context.Background(), relay.Message{Type: "bogus"}), relay.ErrInvalidMessage)

	select {
	case got := <-sub.Messages:
		assert.Equal(t, m, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("relay message not delivered")
	}
}
