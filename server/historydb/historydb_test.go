package historydb

import (
	"os"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const testDBFilename = "test_historydb.sqlite"

func setup(t *testing.T, wipeDB bool) *HistoryDB {
	t.Helper()
	if wipeDB {
		cleanupDB(t)
	}
	db, err := NewSqliteHistoryDB(logs.NewTestingLog(t), testDBFilename)
	if err != nil {
		t.Fatalf("Failed to create HistoryDB: %v", err)
	}
	return db
}

func cleanupDB(t *testing.T) {
	t.Helper()
	os.Remove(testDBFilename)
	os.Remove(testDBFilename + "-shm")
	os.Remove(testDBFilename + "-wal")
}

func TestHistoryDB(t *testing.T) {
	db := setup(t, true)
	defer cleanupDB(t)

	n, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	old := time.Now().Add(-48 * time.Hour)
	add := func(topClass string, blank bool, createdAt time.Time) {
		require.NoError(t, db.Add(&Prediction{
			CreatedAt:      dbh.MakeIntTime(createdAt),
			Width:          800,
			Height:         600,
			Blank:          blank,
			TopClass:       topClass,
			TopPercentage:  55.5,
			DurationMicros: 1200,
			Backend:        "native",
		}))
	}
	add("cat", false, old)
	add("dog", false, time.Time{})
	add("cat", false, time.Time{})
	add("circle", true, time.Time{})

	recent, err := db.Recent(2)
	require.NoError(t, err)
	require.Equal(t, 2, len(recent))
	require.Equal(t, "circle", recent[0].TopClass)
	require.True(t, recent[0].Blank)
	require.Equal(t, "cat", recent[1].TopClass)
	require.False(t, recent[1].CreatedAt.IsZero())
	require.Equal(t, "native", recent[1].Backend)

	counts, err := db.ClassCounts()
	require.NoError(t, err)
	require.Equal(t, []ClassCount{{"cat", 2}, {"dog", 1}}, counts)

	// Reopen, and verify that the data is still there
	db.Close()
	db = setup(t, false)
	n, err = db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	removed, err := db.DeleteOlderThan(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	n, err = db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	db.Close()
}
