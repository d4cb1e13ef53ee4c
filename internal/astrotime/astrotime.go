// Package astrotime provides the time formatting and date arithmetic used in
// FITS headers and filenames: the night-shifted yyyymmdd date number, the
// Modified Julian Date, and the DATE / DATE-OBS / UTSTART string forms.
package astrotime

import (
	"fmt"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

// mjdOffset converts a Julian Date to a Modified Julian Date.
const mjdOffset = 2400000.5

// DateNumber returns an integer of the form yyyymmdd identifying the
// observing night containing t. The date is for the start of night: between
// midnight and 12 noon UT the previous day's number is used, so one night
// keeps one number.
func DateNumber(t time.Time) int {
	t = t.UTC()
	if t.Hour() < 12 {
		t = t.Add(-12 * time.Hour)
	}
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// MJD returns the Modified Julian Date of t in decimal days. No leap-second
// correction is applied, matching operational practice for this instrument;
// one second is far below the precision the header consumers care about.
func MJD(t time.Time) float64 {
	return julian.TimeToJD(t.UTC()) - mjdOffset
}

// DateString formats t for the DATE keyword: CCYY-MM-DD.
func DateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DateObsString formats t for the DATE-OBS keyword:
// CCYY-MM-DDTHH:MM:SS.sss with millisecond precision.
func DateObsString(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03d", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/int(time.Millisecond))
}

// UTStartString formats t for the UTSTART keyword: HH:MM:SS.sss.
func UTStartString(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03d", t.Format("15:04:05"), t.Nanosecond()/int(time.Millisecond))
}
