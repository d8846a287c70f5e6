package dicomtag

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// now is swapped in tests.
var now = time.Now

// ParseDateStrict parses a DICOM DA value (YYYYMMDD) into a UTC midnight
// date. Values outside year 1900-2100, month 1-12 or day 1-31 fall through
// to a generic parse that is accepted only for years after 1900.
func ParseDateStrict(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if len(s) == 8 {
		y, errY := strconv.Atoi(s[0:4])
		m, errM := strconv.Atoi(s[4:6])
		d, errD := strconv.Atoi(s[6:8])
		if errY == nil && errM == nil && errD == nil &&
			y >= 1900 && y <= 2100 && m >= 1 && m <= 12 && d >= 1 && d <= 31 {
			t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
			// time.Date normalizes overflow (Feb 30 -> Mar 1); reject that here.
			if t.Day() == d {
				return t, true
			}
		}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil || t.Year() <= 1900 {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ParseDate is ParseDateStrict with the legacy fallback: when nothing
// parses it returns the current time instead of a zero value. Callers that
// persist study dates depend on always receiving a date.
//
// TODO: substituting "now" corrupts chronological queries for studies with
// unparseable dates; switch callers to ParseDateStrict once the worklist can
// render a missing study date.
func ParseDate(raw string) time.Time {
	if t, ok := ParseDateStrict(raw); ok {
		return t
	}
	return now().UTC()
}
