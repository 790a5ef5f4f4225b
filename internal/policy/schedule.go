package policy

import "time"

// ActiveAt reports whether the schedule's window contains t. For an
// overnight window (end before start), the portion after midnight
// belongs to the day the window started on.
func (s *Schedule) ActiveAt(t time.Time) bool {
	if !s.Enabled {
		return false
	}

	mins := t.Hour()*60 + t.Minute()
	start := s.Start.Minutes()
	end := s.End.Minutes()

	if start <= end {
		return s.hasDay(t.Weekday()) && mins >= start && mins < end
	}

	// Overnight: active from start until midnight on a listed day, and
	// from midnight until end on the morning after a listed day.
	if mins >= start {
		return s.hasDay(t.Weekday())
	}
	if mins < end {
		prev := (t.Weekday() + 6) % 7
		return s.hasDay(prev)
	}
	return false
}

// BlocksCategory reports whether the schedule names the given category.
func (s *Schedule) BlocksCategory(category string) bool {
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}

func (s *Schedule) hasDay(d time.Weekday) bool {
	for _, day := range s.Days {
		if day == d {
			return true
		}
	}
	return false
}
