package consolidate

import (
	"time"
)

// SessionWindow describes one trading session's daily open/close, expressed
// as offsets from local midnight in the session's timezone. SameDay is false
// when the session closes after midnight (e.g. a Sunday session that runs
// into Monday) so the close falls on the following calendar day.
type SessionWindow struct {
	Open    time.Duration
	Close   time.Duration
	SameDay bool
}

// TradingHours maps each weekday to its session window. A nil entry means
// the venue does not trade that day.
type TradingHours struct {
	Timezone string
	Sessions [7]*SessionWindow // indexed by time.Weekday
}

func (h TradingHours) location() *time.Location {
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// sessionBounds returns the [open, close) window containing t, searching
// backward from t's calendar day to account for sessions that open the
// previous day and close after midnight.
func (h TradingHours) sessionBounds(t time.Time) (open, close time.Time, ok bool) {
	loc := h.location()
	t = t.In(loc)
	for dayOffset := 0; dayOffset >= -1; dayOffset-- {
		day := t.AddDate(0, 0, dayOffset)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		w := h.Sessions[int(midnight.Weekday())]
		if w == nil {
			continue
		}
		sessionOpen := midnight.Add(w.Open)
		var sessionClose time.Time
		if w.SameDay {
			sessionClose = midnight.Add(w.Close)
		} else {
			sessionClose = midnight.AddDate(0, 0, 1).Add(w.Close)
		}
		if !t.Before(sessionOpen) && t.Before(sessionClose) {
			return sessionOpen, sessionClose, true
		}
	}
	return time.Time{}, time.Time{}, false
}

// nextSessionOpen returns the open time of the first session starting at or
// after t.
func (h TradingHours) nextSessionOpen(t time.Time) time.Time {
	loc := h.location()
	t = t.In(loc)
	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		day := t.AddDate(0, 0, dayOffset)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		w := h.Sessions[int(midnight.Weekday())]
		if w == nil {
			continue
		}
		sessionOpen := midnight.Add(w.Open)
		if !sessionOpen.Before(t) {
			return sessionOpen
		}
	}
	return t
}

// weekKey returns the Monday (in loc) of the ISO week containing t, used to
// group sessions into weekly bars.
func weekKey(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // ISO: Sunday is day 7
	}
	monday := t.AddDate(0, 0, 1-wd)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc)
}
