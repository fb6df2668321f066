package materialiser

import "time"

// localWallClockToUTC converts a civil wall-clock instant (year, month,
// day, hour, minute) in loc to its UTC instant, resolving the two DST
// edge cases:
//
//   - spring-forward gap: the requested wall time never occurs: the
//     first valid instant at or after it is used (the transition
//     instant itself).
//   - fall-back fold: the requested wall time occurs twice: the
//     earlier of the two UTC instants is used.
//
// Civil days with no offset transition take the direct, unambiguous
// path.
func localWallClockToUTC(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, loc)
	nextDayStart := dayStart.AddDate(0, 0, 1)
	_, startOffset := dayStart.Zone()
	_, endOffset := nextDayStart.Add(-time.Second).Zone()

	if startOffset == endOffset {
		return time.Date(year, month, day, hour, minute, 0, 0, loc).UTC()
	}

	transition := findTransition(dayStart, nextDayStart)
	before := time.Date(year, month, day, hour, minute, 0, 0, time.FixedZone("before", startOffset))
	after := time.Date(year, month, day, hour, minute, 0, 0, time.FixedZone("after", endOffset))

	if startOffset < endOffset {
		// Spring-forward: the interval [transition, transition+gap) does
		// not exist on the wall clock.
		gap := time.Duration(endOffset-startOffset) * time.Second
		switch {
		case !before.After(transition):
			return before.UTC()
		case before.Before(transition.Add(gap)):
			return transition.UTC()
		default:
			return after.UTC()
		}
	}

	// Fall-back: the interval [transition, transition+fold) occurs twice,
	// once under each offset.
	fold := time.Duration(startOffset-endOffset) * time.Second
	switch {
	case after.Before(transition):
		return before.UTC()
	case after.Before(transition.Add(fold)):
		return before.UTC() // ambiguous: earlier UTC instant wins
	default:
		return after.UTC()
	}
}

// findTransition locates, to the second, the instant within [lo, hi) at
// which the zone offset changes, via binary search over Time.Zone.
func findTransition(lo, hi time.Time) time.Time {
	_, loOffset := lo.Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, midOffset := mid.Zone(); midOffset == loOffset {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}
