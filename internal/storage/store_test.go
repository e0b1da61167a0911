package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koorzenb/announcement-scheduler/internal/recurrence"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

type opener func(t *testing.T) (Store, func() Store)

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	m := map[string]opener{
		"memory": func(t *testing.T) (Store, func() Store) {
			return NewMemory(), nil
		},
		"file": func(t *testing.T) (Store, func() Store) {
			cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "announcer.json")}
			return mustOpen(t, cfg), func() Store { return mustOpen(t, cfg) }
		},
		"sqlite": func(t *testing.T) (Store, func() Store) {
			cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "announcer.db"), BusyTimeout: time.Second}
			return mustOpen(t, cfg), func() Store { return mustOpen(t, cfg) }
		},
	}
	if dsn := os.Getenv("ANNOUNCER_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) (Store, func() Store) {
			cfg := Config{Driver: "postgres", DSN: dsn}
			st := mustOpen(t, cfg)
			ctx := context.Background()
			all, err := st.List(ctx)
			require.NoError(t, err)
			for _, e := range all {
				require.NoError(t, st.Delete(ctx, e.ID))
			}
			return st, func() Store { return mustOpen(t, cfg) }
		}
	}
	return m
}

func mustOpen(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	return st
}

func sampleEntry(id int64) Entry {
	tod := recurrence.TimeOfDay{Hour: 15, Minute: 0}
	return Entry{
		ID:          id,
		Content:     "standup",
		Rule:        recurrence.Custom(recurrence.Monday, recurrence.Wednesday),
		TimeOfDay:   &tod,
		ScheduledAt: time.Date(2025, 11, 12, 19, 0, 0, 0, time.UTC),
		Metadata:    map[string]any{"room": "blue"},
		CreatedAt:   time.Date(2025, 11, 11, 14, 0, 0, 0, time.UTC),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st, _ := open(t)
			defer st.Close()
			ctx := context.Background()

			id, err := st.NextID(ctx)
			require.NoError(t, err)
			require.Greater(t, id, int64(0))

			in := sampleEntry(id)
			require.NoError(t, st.Put(ctx, in))

			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, in.Content, got.Content)
			assert.Equal(t, in.Rule, got.Rule)
			require.NotNil(t, got.TimeOfDay)
			assert.Equal(t, *in.TimeOfDay, *got.TimeOfDay)
			assert.True(t, in.ScheduledAt.Equal(got.ScheduledAt))
			assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, "blue", got.Metadata["room"])

			// Upsert replaces.
			in.Content = "retro"
			require.NoError(t, st.Put(ctx, in))
			got, err = st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "retro", got.Content)

			require.NoError(t, st.Delete(ctx, id))
			_, err = st.Get(ctx, id)
			assert.True(t, errors.Is(err, ErrNotFound))

			// Deleting twice is fine.
			require.NoError(t, st.Delete(ctx, id))
		})
	}
}

func TestStoreOneTimeEntryWithoutTimeOfDay(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st, _ := open(t)
			defer st.Close()
			ctx := context.Background()

			e := Entry{ID: 7, Content: "once", Rule: recurrence.None(), ScheduledAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
			require.NoError(t, st.Put(ctx, e))
			got, err := st.Get(ctx, 7)
			require.NoError(t, err)
			assert.Nil(t, got.TimeOfDay)
			assert.False(t, got.Rule.IsRecurring())
			assert.Empty(t, got.Metadata)

			// Put raises the sequence past explicit ids.
			next, err := st.NextID(ctx)
			require.NoError(t, err)
			assert.Greater(t, next, int64(7))
		})
	}
}

func TestStoreRejectsInvalidEntries(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	assert.Error(t, st.Put(ctx, Entry{ID: 0, ScheduledAt: time.Now()}))
	assert.Error(t, st.Put(ctx, Entry{ID: 1}))
}

func TestStoreReturnsCopies(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	e := sampleEntry(1)
	require.NoError(t, st.Put(ctx, e))

	e.Metadata["room"] = "red"
	e.TimeOfDay.Hour = 1

	got, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "blue", got.Metadata["room"])
	assert.Equal(t, 15, got.TimeOfDay.Hour)

	got.Metadata["room"] = "green"
	again, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "blue", again.Metadata["room"])
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	for name, open := range drivers(t) {
		if name == "memory" {
			continue
		}
		open := open
		t.Run(name, func(t *testing.T) {
			st, reopen := open(t)
			ctx := context.Background()

			var ids []int64
			for i := 0; i < 3; i++ {
				id, err := st.NextID(ctx)
				require.NoError(t, err)
				require.NoError(t, st.Put(ctx, sampleEntry(id)))
				ids = append(ids, id)
			}
			require.NoError(t, st.Delete(ctx, ids[1]))
			// A reserved but unused id must still never be handed out again.
			burned, err := st.NextID(ctx)
			require.NoError(t, err)
			require.NoError(t, st.Close())

			st = reopen()
			defer st.Close()

			all, err := st.List(ctx)
			require.NoError(t, err)
			var got []int64
			for _, e := range all {
				got = append(got, e.ID)
			}
			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			assert.Equal(t, []int64{ids[0], ids[2]}, got)

			next, err := st.NextID(ctx)
			require.NoError(t, err)
			assert.Greater(t, next, burned)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, open := range drivers(t) {
		if name == "postgres" {
			continue
		}
		open := open
		t.Run(name, func(t *testing.T) {
			st, _ := open(t)
			require.NoError(t, st.Close())
			_, err := st.Get(context.Background(), 1)
			assert.Error(t, err)
		})
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	const (
		workers = 8
		rounds  = 25
	)
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st, _ := open(t)
			defer st.Close()
			ctx := context.Background()

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				kept = map[int64]string{}
			)
			errs := make(chan error, workers*rounds)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for r := 0; r < rounds; r++ {
						id, err := st.NextID(ctx)
						if err != nil {
							errs <- err
							return
						}
						e := sampleEntry(id)
						e.Content = "w" + strconv.Itoa(w) + "-r" + strconv.Itoa(r)
						if err := st.Put(ctx, e); err != nil {
							errs <- err
							return
						}
						got, err := st.Get(ctx, id)
						if err != nil {
							errs <- err
							return
						}
						if got.Content != e.Content {
							errs <- errors.New("entry " + strconv.FormatInt(id, 10) + " read back " + got.Content)
							return
						}
						if _, err := st.List(ctx); err != nil {
							errs <- err
							return
						}
						if r%2 == 1 {
							if err := st.Delete(ctx, id); err != nil {
								errs <- err
								return
							}
							continue
						}
						mu.Lock()
						kept[id] = e.Content
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			all, err := st.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, len(kept))
			for _, e := range all {
				assert.Equal(t, kept[e.ID], e.Content, "id %d", e.ID)
			}
		})
	}
}

func TestFileStoreSurvivesTornJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "announcer.json")
	cfg := Config{Driver: "file", Path: path}
	st := mustOpen(t, cfg)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, sampleEntry(1)))
	require.NoError(t, st.Put(ctx, sampleEntry(2)))

	// Simulate a crash: append a half-written record without closing.
	journal := filepath.Join(filepath.Dir(path), "announcer.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","entry":{"id":3,`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st2 := mustOpen(t, cfg)
	defer st2.Close()
	all, err := st2.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "bolt"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
