package astrotime

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDateNumberNightShift(t *testing.T) {
	// evening observations keep the calendar date
	evening := time.Date(2024, 1, 15, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, 20240115, DateNumber(evening))

	// after midnight but before noon the previous day's number is used
	morning := time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, 20240115, DateNumber(morning))

	// from noon onwards a new night starts
	noon := time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 20240116, DateNumber(noon))
}

func TestDateNumberMonthBoundary(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 20240229, DateNumber(t1))
}

func TestMJD(t *testing.T) {
	// J2000.0 epoch: 2000-01-01T12:00:00 UT is MJD 51544.5
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 51544.5, MJD(j2000), 1e-6)

	// midnight is a whole MJD
	midnight := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	mjd := MJD(midnight)
	assert.InDelta(t, 0.0, mjd-math.Floor(mjd), 1e-6)
}

func TestTimeStrings(t *testing.T) {
	ts := time.Date(2024, 1, 15, 7, 38, 48, 99*int(time.Millisecond), time.UTC)
	assert.Equal(t, "2024-01-15", DateString(ts))
	assert.Equal(t, "2024-01-15T07:38:48.099", DateObsString(ts))
	assert.Equal(t, "07:38:48.099", UTStartString(ts))
}
