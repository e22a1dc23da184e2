package clipindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/netcam/pkg/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "db", "netcam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func at(s string) time.Time {
	ts, err := ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

func record(cam int, ymdhms string) types.ClipRecord {
	return types.ClipRecord{
		Filename:    "cam" + string(rune('0'+cam)) + "." + ymdhms + ".avi",
		CameraIndex: cam,
		Timestamp:   at(ymdhms),
		Quality:     97.5,
		FrameCount:  42,
		Snapshot:    "cam" + string(rune('0'+cam)) + "." + ymdhms + ".jpg",
	}
}

func TestInsertAndGet(t *testing.T) {
	x := openTestIndex(t)
	rec := record(0, "20240301101500")
	require.NoError(t, x.Insert(rec))

	got, err := x.Get(rec.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, rec.Quality, got.Quality)
	assert.Equal(t, rec.FrameCount, got.FrameCount)
	assert.Equal(t, rec.Snapshot, got.Snapshot)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))

	_, err = x.Get(at("20240301101501"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateFilename(t *testing.T) {
	x := openTestIndex(t)
	rec := record(1, "20240301101500")
	require.NoError(t, x.Insert(rec))

	err := x.Insert(rec)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestGetPrefersLowestCamera(t *testing.T) {
	x := openTestIndex(t)
	require.NoError(t, x.Insert(record(2, "20240301101500")))
	require.NoError(t, x.Insert(record(1, "20240301101500")))

	got, err := x.Get(at("20240301101500"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.CameraIndex)
}

func TestListByDayAndForDay(t *testing.T) {
	x := openTestIndex(t)
	for _, ts := range []string{"20240301080000", "20240301230000", "20240302000001", "20240228120000"} {
		require.NoError(t, x.Insert(record(0, ts)))
	}

	days, err := x.ListByDay()
	require.NoError(t, err)
	assert.Equal(t, []types.DayCount{
		{Day: "20240302", Count: 1},
		{Day: "20240301", Count: 2},
		{Day: "20240228", Count: 1},
	}, days)

	recs, err := x.ListForDay("20240301")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Timestamp.After(recs[1].Timestamp), "most recent first")

	_, err = x.ListForDay("2024-03-01")
	assert.Error(t, err)
}

func TestNeighbours(t *testing.T) {
	x := openTestIndex(t)
	stamps := []string{"20240301080000", "20240301090000", "20240301100000"}
	for _, ts := range stamps {
		require.NoError(t, x.Insert(record(0, ts)))
	}

	next, err := x.Next(at(stamps[0]))
	require.NoError(t, err)
	assert.True(t, next.Equal(at(stamps[1])))

	prev, err := x.Previous(next)
	require.NoError(t, err)
	assert.True(t, prev.Equal(at(stamps[0])), "Previous(Next(x)) == x")

	// no neighbour returns the input unchanged
	newest := at(stamps[2])
	same, err := x.Next(newest)
	require.NoError(t, err)
	assert.True(t, same.Equal(newest))

	oldest := at(stamps[0])
	same, err = x.Previous(oldest)
	require.NoError(t, err)
	assert.True(t, same.Equal(oldest))

	// neighbours of a timestamp between clips
	between := at("20240301093000")
	prev, _ = x.Previous(between)
	next, _ = x.Next(between)
	assert.True(t, prev.Equal(at(stamps[1])))
	assert.True(t, next.Equal(at(stamps[2])))
}

func TestListWindow(t *testing.T) {
	x := openTestIndex(t)
	for _, ts := range []string{"20240301080000", "20240301090000", "20240301100000"} {
		require.NoError(t, x.Insert(record(0, ts)))
	}

	recs, err := x.ListWindow(at("20240301083000"), at("20240301100000"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Timestamp.Equal(at("20240301090000")))
}

func TestConcurrentInserts(t *testing.T) {
	x := openTestIndex(t)
	base := at("20240301000000")

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			ts := base.Add(time.Duration(i) * time.Second)
			errs <- x.Insert(types.ClipRecord{
				Filename:  "cam0." + ts.Format(TimestampLayout) + ".avi",
				Timestamp: ts,
			})
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
	}

	days, err := x.ListByDay()
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, 20, days[0].Count)
}
