package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/model"
)

func TestEventInsertReturnsID(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewEventRepo(db, time.Second)

	start := time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC)
	ev := model.CriticalEvent{
		Name:        "flash crash",
		Kind:        "incident",
		StartTime:   start,
		EndTime:     start.Add(2 * time.Hour),
		MarketIDs:   []int64{3, 7},
		PreserveRaw: true,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO critical_events")).
		WithArgs(ev.Name, ev.Kind, ev.StartTime, ev.EndTime, pq.Array(ev.MarketIDs), true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventInsertRejectsInvalid(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewEventRepo(db, time.Second)

	_, err := repo.Insert(context.Background(), model.CriticalEvent{Name: ""})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid events never reach the database")
}

func TestEventOverlappingScansMarketIDs(t *testing.T) {
	db, mock := mockDB(t)
	repo := NewEventRepo(db, time.Second)

	from := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(30 * 24 * time.Hour)
	start := from.Add(4 * 24 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "name", "kind", "start_time", "end_time", "market_ids", "preserve_raw", "created_at",
	}).
		AddRow(1, "flash crash", "incident", start, start.Add(time.Hour), []byte("{3,7}"), true, start).
		AddRow(2, "venue outage", "outage", start.Add(time.Hour), start.Add(3*time.Hour), []byte("{}"), true, start)

	mock.ExpectQuery(regexp.QuoteMeta("FROM critical_events")).
		WithArgs(from, to).
		WillReturnRows(rows)

	got, err := repo.Overlapping(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int64{3, 7}, got[0].MarketIDs)
	assert.True(t, got[0].AppliesTo(7))
	assert.False(t, got[0].AppliesTo(9))
	assert.Empty(t, got[1].MarketIDs)
	assert.True(t, got[1].AppliesTo(9), "empty scope applies to every market")
	assert.NoError(t, mock.ExpectationsWereMet())
}
