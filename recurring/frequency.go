/*
frequency.go - Billing frequency classification

PURPOSE:
  Maps observed inter-charge gaps (in days) to a billing frequency class,
  or rejects the cluster as non-recurring. Also owns the per-frequency
  constants the rest of the engine derives from: cycles per year, cycle
  length, and the elapsed-time thresholds for stale and stopped.

TOLERANCE WINDOWS:
  weekly     5-9 days
  monthly    25-35 days
  quarterly  80-100 days
  annual     350-380 days

  The windows do not overlap. A gap that could fit two windows cannot occur
  by construction; that is a design invariant of the table, not a runtime
  check.

CLASSIFICATION:
  The median gap across a cluster's consecutive charges decides the class.
  The median is robust against a single delayed charge, and once a third
  charge breaks the pattern of two coincidental purchases, the median falls
  outside every window and the cluster is rejected. Two charges remain the
  minimum accepted evidence: their single gap tentatively assigns a
  frequency, revised as more charges arrive.

SEE ALSO:
  - detector.go:  Builds the clusters this file classifies
  - lifecycle.go: Uses the stale/stopped thresholds
*/
package recurring

import "sort"

type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnual    Frequency = "annual"
)

type toleranceWindow struct {
	minDays int
	maxDays int
}

// Windows are disjoint by construction; see the header comment.
var toleranceWindows = []struct {
	freq   Frequency
	window toleranceWindow
}{
	{FrequencyWeekly, toleranceWindow{5, 9}},
	{FrequencyMonthly, toleranceWindow{25, 35}},
	{FrequencyQuarterly, toleranceWindow{80, 100}},
	{FrequencyAnnual, toleranceWindow{350, 380}},
}

// ClassifyGap maps a single inter-charge gap to a frequency class.
// Both window bounds are inclusive.
func ClassifyGap(days int) (Frequency, bool) {
	for _, tw := range toleranceWindows {
		if days >= tw.window.minDays && days <= tw.window.maxDays {
			return tw.freq, true
		}
	}
	return "", false
}

// ClassifyGaps classifies a cluster by the median of its consecutive gaps.
// Returns ErrAmbiguousFrequency when the median falls outside every window.
func ClassifyGaps(gaps []int) (Frequency, error) {
	if len(gaps) == 0 {
		return "", ErrInsufficientEvidence
	}
	median := medianGap(gaps)
	freq, ok := ClassifyGap(median)
	if !ok {
		return "", &AmbiguousFrequencyError{MedianGapDays: median}
	}
	return freq, nil
}

// medianGap returns the upper-middle element for even counts, matching how
// the cluster math treats a two-gap cluster: the more recent gap decides.
func medianGap(gaps []int) int {
	sorted := make([]int, len(gaps))
	copy(sorted, gaps)
	sort.Ints(sorted)
	return sorted[len(sorted)/2]
}

// CyclesPerYear is the annualizing multiplier for this frequency.
func (f Frequency) CyclesPerYear() int {
	switch f {
	case FrequencyWeekly:
		return 52
	case FrequencyMonthly:
		return 12
	case FrequencyQuarterly:
		return 4
	case FrequencyAnnual:
		return 1
	default:
		return 0
	}
}

// NextCycle returns the expected date of the next charge after one billed
// on the given date. Monthly and longer cycles follow the calendar.
func (f Frequency) NextCycle(last Date) Date {
	switch f {
	case FrequencyWeekly:
		return last.AddDays(7)
	case FrequencyMonthly:
		return last.AddMonths(1)
	case FrequencyQuarterly:
		return last.AddMonths(3)
	case FrequencyAnnual:
		return last.AddYears(1)
	default:
		return last
	}
}

// StoppedAfterDays is the 2x-cycle-length silence threshold after which a
// subscription flips to stopped. Weekly allows three cycles; short cycles
// need the extra slack for shipping and retry delays.
func (f Frequency) StoppedAfterDays() int {
	switch f {
	case FrequencyWeekly:
		return 21
	case FrequencyMonthly:
		return 60
	case FrequencyQuarterly:
		return 180
	case FrequencyAnnual:
		return 400
	default:
		return 60
	}
}

// StaleAfterDays is the silence threshold for the internal stale state:
// past the latest tolerated next-charge date, one cycle before stopped.
// Crossing it triggers the possibly-stopped notification.
func (f Frequency) StaleAfterDays() int {
	switch f {
	case FrequencyWeekly:
		return 9
	case FrequencyMonthly:
		return 35
	case FrequencyQuarterly:
		return 100
	case FrequencyAnnual:
		return 380
	default:
		return 35
	}
}

// Valid reports whether f is one of the four supported classes.
func (f Frequency) Valid() bool {
	return f.CyclesPerYear() > 0
}
