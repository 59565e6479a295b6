package persistence_test

import (
	"PointSwap/internal/command"
	"PointSwap/internal/match"
	"PointSwap/internal/persistence"
	"PointSwap/internal/testutil"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []interface{}
}

type fakeExecer struct {
	calls []execCall
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	return nil, nil
}

func canceledEvent(seq int64) command.Event {
	return command.Event{
		Sequence: seq,
		Type:     command.EventTypeMatchCanceled,
		Tick:     190,
		Hash:     "abc",
		Match: &match.View{
			ID:             uuid.New(),
			Seq:            7,
			InitiatorID:    uuid.New(),
			CounterpartyID: uuid.New(),
			Amount:         10_000,
			State:          "canceled",
			CreatedAt:      7,
			Cause:          "confirm_timeout",
			Reason:         "confirmation window expired",
		},
	}
}

// ============================================================================
// Batch assembly
// ============================================================================

func TestAuditBatch_Add(t *testing.T) {
	var b persistence.AuditBatch

	assert.True(t, b.Add(canceledEvent(1)))
	assert.True(t, b.Add(command.Event{
		Sequence:  2,
		Type:      command.EventTypeViolationRecorded,
		Tick:      190,
		PartyID:   uuid.New(),
		Violation: &command.ViolationRecord{Kind: "timeout", Message: "confirmation window expired", MatchID: uuid.New()},
	}))
	assert.False(t, b.Add(command.Event{Sequence: 3, Type: command.EventTypeSessionStarted}))
	assert.False(t, b.Add(command.Event{Sequence: 4, Type: command.EventTypeMatchCompleted}), "missing match view")

	require.Len(t, b.Matches, 1)
	require.Len(t, b.Violations, 1)
	assert.Equal(t, 2, b.Len())

	m := b.Matches[0]
	assert.Equal(t, "canceled", m.Outcome)
	assert.Equal(t, "confirm_timeout", m.Cause)
	assert.EqualValues(t, 7, m.CreatedTick)
	assert.EqualValues(t, 190, m.ClosedTick)
	assert.Equal(t, "abc", m.StateHash)

	v := b.Violations[0]
	assert.Equal(t, "timeout", v.Kind)
	assert.EqualValues(t, 190, v.OccurredTick)
}

// ============================================================================
// Writer
// ============================================================================

func TestAuditWriter_MultiRowInsert(t *testing.T) {
	runID := uuid.New()
	w := persistence.NewAuditWriter(runID)
	ex := &fakeExecer{}

	var b persistence.AuditBatch
	b.Add(canceledEvent(1))
	b.Add(canceledEvent(2))

	require.NoError(t, w.WriteMatches(context.Background(), ex, b.Matches))
	require.Len(t, ex.calls, 1)

	call := ex.calls[0]
	assert.Contains(t, call.query, "INSERT INTO audit.matches")
	assert.Contains(t, call.query, "($14, $15,")
	assert.Contains(t, call.query, "$26)")
	assert.True(t, strings.HasSuffix(call.query, "ON CONFLICT (run_id, event_sequence) DO NOTHING"))
	require.Len(t, call.args, 26)
	assert.Equal(t, runID, call.args[0])
	assert.EqualValues(t, 2, call.args[14])
}

func TestAuditWriter_EmptyBatchIsNoop(t *testing.T) {
	w := persistence.NewAuditWriter(uuid.New())
	ex := &fakeExecer{}

	require.NoError(t, w.WriteMatches(context.Background(), ex, nil))
	require.NoError(t, w.WriteViolations(context.Background(), ex, nil))
	assert.Empty(t, ex.calls)
}

// ============================================================================
// Migrations
// ============================================================================

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}

	files, err := persistence.ListMigrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)
	assert.Equal(t, "000002", persistence.ExtractVersion(files[1]))
}

func TestRepositoryMigrationsArePaired(t *testing.T) {
	ups, err := persistence.ListMigrationFiles(testutil.MigrationsDir(), ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := strings.Replace(up, ".up.sql", ".down.sql", 1)
		_, err := os.Stat(filepath.Join(testutil.MigrationsDir(), down))
		assert.NoError(t, err, "missing %s", down)
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func TestAuditWorker_WritesToPostgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	writer := persistence.NewAuditWriter(uuid.New())
	in := make(chan command.Event, 4)
	worker := persistence.NewAuditWorker(db, writer, in, 10, 10*time.Millisecond, nil, zerolog.Nop())

	in <- canceledEvent(1)
	in <- canceledEvent(1) // redelivery is ignored
	in <- canceledEvent(2)
	close(in)
	require.NoError(t, worker.Run(ctx))

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit.matches WHERE run_id = $1`, writer.RunID()).Scan(&n))
	assert.Equal(t, 2, n)
}
