package pbstream

import (
	"fmt"
	"time"
)

const nanosPerSecond = uint32(time.Second)

// ToAbsolute converts an archiver (year, seconds into year, nanos) triple into
// a UTC instant. Instants outside years 1..9999 cannot be rendered as RFC 3339
// and are rejected with ErrTimeOverflow.
func ToAbsolute(secondsIntoYear, nanos uint32, year int) (time.Time, error) {
	if year < 1 || year > maxYear {
		return time.Time{}, fmt.Errorf("%w: year %d", ErrTimeOverflow, year)
	}

	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	secs := start.Unix() + int64(secondsIntoYear) + int64(nanos/nanosPerSecond)
	t := time.Unix(secs, int64(nanos%nanosPerSecond)).UTC()

	if t.Year() > maxYear {
		return time.Time{}, fmt.Errorf("%w: %d seconds into %d", ErrTimeOverflow, secondsIntoYear, year)
	}
	return t, nil
}

// SecondsIntoYear is the inverse of ToAbsolute for instants within year.
func SecondsIntoYear(t time.Time, year int) (uint32, uint32) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	d := t.UTC().Sub(start)
	return uint32(d / time.Second), uint32(d % time.Second)
}
