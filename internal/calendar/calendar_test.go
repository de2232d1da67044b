package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ist builds an instant in exchange time.
func ist(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, IST())
}

func TestSessionStateBoundaries(t *testing.T) {
	cal := New(nil)
	// Tuesday 2026-03-10.
	cases := []struct {
		name string
		at   time.Time
		want SessionState
	}{
		{"before open", ist(2026, 3, 10, 9, 14), StatePreMarket},
		{"open is inclusive", ist(2026, 3, 10, 9, 15), StateOpen},
		{"mid session", ist(2026, 3, 10, 12, 0), StateOpen},
		{"last minute", ist(2026, 3, 10, 15, 29), StateOpen},
		{"close is exclusive", ist(2026, 3, 10, 15, 30), StatePostMarket},
		{"evening", ist(2026, 3, 10, 18, 0), StatePostMarket},
		{"saturday", ist(2026, 3, 14, 12, 0), StateWeekend},
		{"sunday", ist(2026, 3, 15, 12, 0), StateWeekend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cal.State(tc.at))
		})
	}
}

func TestHolidayState(t *testing.T) {
	cal := New(map[string]string{"2026-03-03": "Holi"})

	assert.Equal(t, StateHoliday, cal.State(ist(2026, 3, 3, 12, 0)))
	assert.True(t, cal.IsHoliday(ist(2026, 3, 3, 12, 0)))
	assert.False(t, cal.IsTradingDay(ist(2026, 3, 3, 12, 0)))
	assert.True(t, cal.IsTradingDay(ist(2026, 3, 4, 12, 0)))
}

func TestStateConvertsForeignZones(t *testing.T) {
	cal := New(nil)
	// 2026-03-10 05:00 UTC is 10:30 IST, inside the session.
	utc := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, StateOpen, cal.State(utc))
}

func TestSessionBounds(t *testing.T) {
	cal := New(nil)
	open, close := cal.SessionBounds(ist(2026, 3, 10, 12, 0))
	assert.Equal(t, ist(2026, 3, 10, 9, 15), open)
	assert.Equal(t, ist(2026, 3, 10, 15, 30), close)
}

func TestNextTradingDaySkipsWeekendsAndHolidays(t *testing.T) {
	cal := New(map[string]string{"2026-03-16": "Exchange holiday"})

	// Friday 2026-03-13: Monday the 16th is a holiday, so Tuesday the 17th.
	next := cal.NextTradingDay(ist(2026, 3, 13, 15, 45))
	assert.Equal(t, "2026-03-17", next.Format("2006-01-02"))

	// Mid-week: simply tomorrow.
	next = cal.NextTradingDay(ist(2026, 3, 10, 15, 45))
	assert.Equal(t, "2026-03-11", next.Format("2006-01-02"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holidays.json")
	payload := `{"holidays":[{"date":"2026-03-03","description":"Holi"},{"date":"2026-08-15","description":"Independence Day"}]}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	cal, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cal.IsHoliday(ist(2026, 3, 3, 10, 0)))
	assert.True(t, cal.IsHoliday(ist(2026, 8, 15, 10, 0)))
	assert.False(t, cal.IsHoliday(ist(2026, 3, 4, 10, 0)))

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"holidays":[{"date":"03/03/2026"}]}`), 0o600))
	_, err = LoadFile(bad)
	require.Error(t, err, "malformed dates must be rejected")
}

func TestExpiryCadenceValid(t *testing.T) {
	assert.True(t, CadenceWeekly.Valid())
	assert.True(t, CadenceMonthly.Valid())
	assert.False(t, ExpiryCadence("fortnightly").Valid())
}
