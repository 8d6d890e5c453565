package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// backends lists every Store implementation under test. Each backend runs
// the same conformance suite.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLStore(SQLConfig{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "test.db"),
			}, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreFromClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, open)
		})
	}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("run round trip", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		rec := &RunRecord{
			RunID:     "run_1",
			Status:    "running",
			Output:    []byte(`{"result":16}`),
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.SaveRun(ctx, rec))

		got, err := s.LoadRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, rec.RunID, got.RunID)
		assert.Equal(t, rec.Status, got.Status)
		assert.JSONEq(t, `{"result":16}`, string(got.Output))
	})

	t.Run("run load missing", func(t *testing.T) {
		s := open(t)
		_, err := s.LoadRun(ctx, "run_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("run save replaces", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC()
		rec := &RunRecord{RunID: "run_1", Status: "running", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.SaveRun(ctx, rec))

		rec.Status = "suspended"
		rec.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.SaveRun(ctx, rec))

		got, err := s.LoadRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, "suspended", got.Status)
	})

	t.Run("list runs newest first", func(t *testing.T) {
		s := open(t)
		base := time.Now().UTC().Truncate(time.Second)
		for i, id := range []string{"run_a", "run_b", "run_c"} {
			require.NoError(t, s.SaveRun(ctx, &RunRecord{
				RunID:     id,
				Status:    "running",
				CreatedAt: base,
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		runs, err := s.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "run_c", runs[0].RunID)
		assert.Equal(t, "run_a", runs[2].RunID)
	})

	t.Run("breakpoint round trip", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		rec := &BreakpointRecord{
			RunID:          "run_1",
			Category:       "tool_call",
			Name:           "calculate_sum",
			Phase:          "before",
			CapturedState:  []byte(`{"a":7,"b":9}`),
			NextCandidates: []string{"calculate_sum", "calculate_product"},
			CreatedAt:      now,
		}
		require.NoError(t, s.SaveBreakpoint(ctx, rec))

		got, err := s.LoadBreakpoint(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, "calculate_sum", got.Name)
		assert.Equal(t, "tool_call", got.Category)
		assert.Equal(t, []string{"calculate_sum", "calculate_product"}, got.NextCandidates)
		assert.JSONEq(t, `{"a":7,"b":9}`, string(got.CapturedState))
	})

	t.Run("breakpoint is singleton per run", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC()
		require.NoError(t, s.SaveBreakpoint(ctx, &BreakpointRecord{
			RunID: "run_1", Category: "tool_call", Name: "first", Phase: "before", CreatedAt: now,
		}))
		require.NoError(t, s.SaveBreakpoint(ctx, &BreakpointRecord{
			RunID: "run_1", Category: "handoff", Name: "second", Phase: "before", CreatedAt: now,
		}))

		got, err := s.LoadBreakpoint(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Name)
	})

	t.Run("breakpoint delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveBreakpoint(ctx, &BreakpointRecord{
			RunID: "run_1", Category: "tool_call", Name: "x", Phase: "before", CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, s.DeleteBreakpoint(ctx, "run_1"))

		_, err := s.LoadBreakpoint(ctx, "run_1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is not an error.
		require.NoError(t, s.DeleteBreakpoint(ctx, "run_1"))
	})

	t.Run("kv round trip", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Set(ctx, "run_1", "breakpoint", "resume_pending", []byte(`{"ok":true}`)))

		got, err := s.Get(ctx, "run_1", "breakpoint", "resume_pending")
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(got))

		require.NoError(t, s.Delete(ctx, "run_1", "breakpoint", "resume_pending"))
		_, err = s.Get(ctx, "run_1", "breakpoint", "resume_pending")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Delete(ctx, "run_1", "breakpoint", "resume_pending"))
	})

	t.Run("kv keys are scoped per run", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Set(ctx, "run_1", "ns", "k", []byte("one")))
		require.NoError(t, s.Set(ctx, "run_2", "ns", "k", []byte("two")))

		got, err := s.Get(ctx, "run_1", "ns", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got)
	})

	t.Run("kv rejects empty key parts", func(t *testing.T) {
		s := open(t)
		assert.ErrorIs(t, s.Set(ctx, "", "ns", "k", nil), ErrInvalidKey)
		_, err := s.Get(ctx, "run_1", "", "k")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.SaveRun(ctx, &RunRecord{RunID: "r"}), ErrStoreClosed)
	_, err := s.LoadRun(ctx, "r")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
}

func TestMemoryStoreCopiesBlobs(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	blob := []byte(`{"a":1}`)
	require.NoError(t, s.SaveRun(ctx, &RunRecord{RunID: "r", Status: "running", Output: blob}))
	blob[0] = 'X'

	got, err := s.LoadRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), got.Output[0])

	got.Output[0] = 'Y'
	again, err := s.LoadRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.Output[0])
}

func TestFactory(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := New(Config{Type: BackendMemory}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*MemoryStore)
		assert.True(t, ok)
	})

	t.Run("sql", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Type = BackendSQL
		cfg.SQL.DSN = filepath.Join(t.TempDir(), "factory.db")
		s, err := New(cfg, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*SQLStore)
		assert.True(t, ok)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := New(Config{Type: BackendType("bogus")}, zap.NewNop())
		require.Error(t, err)
	})
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		runID := fmt.Sprintf("run_%d", i)
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				now := time.Now().UTC()
				if err := s.SaveRun(ctx, &RunRecord{
					RunID:     runID,
					Status:    "running",
					CreatedAt: now,
					UpdatedAt: now,
				}); err != nil {
					return err
				}
				if _, err := s.LoadRun(ctx, runID); err != nil {
					return err
				}
				if err := s.Set(ctx, runID, "scratch", "cursor", []byte(`{"j":1}`)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 8)
}
