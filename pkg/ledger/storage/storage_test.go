package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
)

var t0 = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]ledger.Storage {
	t.Helper()
	sq, err := NewSQLiteStorage(&SQLiteConfig{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		WALMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]ledger.Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sq,
	}
}

func row(stream string, seq uint64, eventID, component string, at time.Time) *ledger.Row {
	payload := []byte(`{"kind":"cost","id":"` + eventID + `"}`)
	return &ledger.Row{
		Stream:      stream,
		Sequence:    seq,
		EventID:     eventID,
		Kind:        costs.KindCost,
		ExecutionID: stream,
		Component:   component,
		Currency:    "USD",
		Timestamp:   at,
		Payload:     payload,
		EventHash:   canonical.Hash(payload),
		PrevHash:    ledger.GenesisHash,
		Hash:        canonical.Hash([]byte(eventID)),
	}
}

func TestStorage_InsertAndRead(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			head, err := s.Head(ctx, "exec-1")
			require.NoError(t, err)
			assert.Nil(t, head)

			require.NoError(t, s.Insert(ctx, row("exec-1", 0, "e0", "gpt-4", t0)))
			require.NoError(t, s.Insert(ctx, row("exec-1", 1, "e1", "search", t0.Add(time.Second))))
			require.NoError(t, s.Insert(ctx, row("exec-2", 0, "e2", "gpt-4", t0.Add(-time.Second))))

			head, err = s.Head(ctx, "exec-1")
			require.NoError(t, err)
			require.NotNil(t, head)
			assert.Equal(t, uint64(1), head.Sequence)
			assert.Equal(t, "e1", head.EventID)
			assert.True(t, head.Timestamp.Equal(t0.Add(time.Second)))

			rows, err := s.Range(ctx, "exec-1", 0, ^uint64(0))
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, []byte(`{"kind":"cost","id":"e0"}`), rows[0].Payload)

			found, err := s.FindEvent(ctx, "exec-1", "e0")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, uint64(0), found.Sequence)

			missing, err := s.FindEvent(ctx, "exec-2", "e0")
			require.NoError(t, err)
			assert.Nil(t, missing)

			all, err := s.Query(ctx, ledger.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "e2", all[0].EventID)

			comp, err := s.Query(ctx, ledger.Filter{Component: "gpt-4"})
			require.NoError(t, err)
			assert.Len(t, comp, 2)

			until := t0
			early, err := s.Query(ctx, ledger.Filter{Until: &until})
			require.NoError(t, err)
			require.Len(t, early, 1)
			assert.Equal(t, "e2", early[0].EventID)

			streams, err := s.Streams(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"exec-1", "exec-2"}, streams)
		})
	}
}

func TestStorage_RejectsOutOfOrderAndDuplicates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Insert(ctx, row("exec-1", 0, "e0", "gpt-4", t0)))

			err := s.Insert(ctx, row("exec-1", 0, "e9", "gpt-4", t0))
			assert.ErrorIs(t, err, ledger.ErrWriteRejected)

			err = s.Insert(ctx, row("exec-1", 2, "e9", "gpt-4", t0))
			assert.ErrorIs(t, err, ledger.ErrWriteRejected)

			err = s.Insert(ctx, row("exec-1", 1, "e0", "gpt-4", t0))
			assert.ErrorIs(t, err, ledger.ErrWriteRejected)

			rows, err := s.Range(ctx, "exec-1", 0, 10)
			require.NoError(t, err)
			assert.Len(t, rows, 1)
		})
	}
}

func TestSQLiteStorage_RejectsUpdateAndDelete(t *testing.T) {
	s, err := NewSQLiteStorage(&SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, row("exec-1", 0, "e0", "gpt-4", t0)))

	_, err = s.db.Exec("UPDATE ledger_entries SET payload = ? WHERE stream = ?", []byte("{}"), "exec-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.Exec("DELETE FROM ledger_entries WHERE stream = ?", "exec-1")
	require.Error(t, err)

	rows, err := s.Range(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte(`{"kind":"cost","id":"e0"}`), rows[0].Payload)
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(&SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, row("exec-1", 0, "e0", "gpt-4", t0)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(&SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	head, err := s.Head(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "e0", head.EventID)
	require.NoError(t, s.Insert(ctx, row("exec-1", 1, "e1", "gpt-4", t0)))
}

func TestSQLiteStorage_RecordsHashEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(&SQLiteConfig{Path: path})
	require.NoError(t, err)
	enc, err := s.Encoding(ctx)
	require.NoError(t, err)
	assert.Equal(t, canonical.Version, enc)

	_, err = s.db.Exec("UPDATE hash_encoding SET version = ?", "v0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewSQLiteStorage(&SQLiteConfig{Path: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoding v0")
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, row("exec-1", 0, "e0", "gpt-4", t0)))

	head, err := s.Head(ctx, "exec-1")
	require.NoError(t, err)
	head.Payload[0] = 'X'

	again, err := s.Head(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.Payload[0])
}

func TestSQLiteStorage_TamperDetectedByLedger(t *testing.T) {
	s, err := NewSQLiteStorage(&SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	l := ledger.New(s)
	for i := 0; i < 4; i++ {
		ev := costs.NewUnattributable(costs.UnattributableEvent{
			EventID:       "u" + string(rune('0'+i)),
			Timestamp:     t0.Add(time.Duration(i) * time.Second),
			ExecutionID:   "exec-1",
			Component:     "gpt-4",
			UsageRecordID: "r" + string(rune('0'+i)),
			Reason:        costs.ReasonMalformedUsage,
		})
		_, err := l.Append(ctx, ev)
		require.NoError(t, err)
	}
	require.NoError(t, l.VerifyStream(ctx, "exec-1"))

	_, err = s.db.Exec("DROP TRIGGER ledger_entries_no_update")
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE ledger_entries SET payload = replace(payload, 'gpt-4', 'gpt-5') WHERE stream = ? AND sequence = 2`, "exec-1")
	require.NoError(t, err)

	err = l.VerifyStream(ctx, "exec-1")
	var ie *ledger.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(2), ie.Sequence)
}
