package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// CurrentConsultingToken derives the token being seen in one window: the
// token in start, else one past the highest completed token, else the
// window's first token (1 on a single-window day).
func CurrentConsultingToken(appts []*Appointment) int {
	maxCompleted := 0
	first := 0
	for _, a := range appts {
		switch a.Status {
		case StatusStart:
			return a.TokenNumber
		case StatusCompleted:
			if a.TokenNumber > maxCompleted {
				maxCompleted = a.TokenNumber
			}
		}
		if first == 0 || a.TokenNumber < first {
			first = a.TokenNumber
		}
	}
	if maxCompleted > 0 || first == 0 {
		return maxCompleted + 1
	}
	return first
}

// projectETA is anchor + (slot-1) * avg.
func projectETA(anchor time.Time, slot int, avg time.Duration) time.Time {
	if slot < 1 {
		slot = 1
	}
	return anchor.Add(time.Duration(slot-1) * avg)
}

// windowSlots maps each appointment to its 1-based position in its window.
// Tokens are numbered across the day, so a later window's first token is
// not 1.
func windowSlots(appts []*Appointment) map[uuid.UUID]int {
	sorted := append([]*Appointment(nil), appts...)
	sortByToken(sorted)
	slots := make(map[uuid.UUID]int, len(sorted))
	for i, a := range sorted {
		slots[a.ID] = i + 1
	}
	return slots
}

// arrivalETAs re-anchors every scheduled appointment on the arrival time.
func arrivalETAs(appts []*Appointment, arrival time.Time, avg time.Duration) map[uuid.UUID]time.Time {
	slots := windowSlots(appts)
	etas := make(map[uuid.UUID]time.Time)
	for _, a := range appts {
		if a.Status == StatusScheduled {
			etas[a.ID] = projectETA(arrival, slots[a.ID], avg)
		}
	}
	return etas
}

// anchoredETAs recomputes every non-terminal appointment from anchor.
func anchoredETAs(appts []*Appointment, anchor time.Time, avg time.Duration) map[uuid.UUID]time.Time {
	slots := windowSlots(appts)
	etas := make(map[uuid.UUID]time.Time)
	for _, a := range appts {
		if !a.Status.Terminal() {
			etas[a.ID] = projectETA(anchor, slots[a.ID], avg)
		}
	}
	return etas
}

// progressETAs projects from the live position: the consulting appointment
// is due now, a waiting one now + avg for every token of the window between
// the current token and its own. Hold and pause keep their previous estimate.
func progressETAs(appts []*Appointment, now time.Time, avg time.Duration) map[uuid.UUID]time.Time {
	current := CurrentConsultingToken(appts)
	etas := make(map[uuid.UUID]time.Time)
	for _, a := range appts {
		switch a.Status {
		case StatusStart:
			etas[a.ID] = now
		case StatusScheduled:
			ahead := 0
			for _, b := range appts {
				if b.TokenNumber >= current && b.TokenNumber < a.TokenNumber {
					ahead++
				}
			}
			etas[a.ID] = now.Add(time.Duration(ahead) * avg)
		}
	}
	return etas
}

// nextInLine returns the lowest waiting token after the one being seen.
func nextInLine(appts []*Appointment) *Appointment {
	current := CurrentConsultingToken(appts)
	inConsult := false
	for _, a := range appts {
		if a.Status == StatusStart {
			inConsult = true
			break
		}
	}

	var next *Appointment
	for _, a := range appts {
		if a.Status != StatusScheduled {
			continue
		}
		if inConsult && a.TokenNumber <= current {
			continue
		}
		if !inConsult && a.TokenNumber < current {
			continue
		}
		if next == nil || a.TokenNumber < next.TokenNumber {
			next = a
		}
	}
	return next
}

// averageConsultation is the mean duration of completed, explicitly closed
// consultations within [minValid, maxValid]. ok is false when nothing
// qualifies and the current average should stand.
func averageConsultation(appts []*Appointment, minValid, maxValid time.Duration) (minutes float64, ok bool) {
	var total time.Duration
	n := 0
	for _, a := range appts {
		if a.Status != StatusCompleted || a.AutoCompleted {
			continue
		}
		d, has := a.Duration()
		if !has || d < minValid || d > maxValid {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total.Minutes() / float64(n), true
}

func sortByToken(appts []*Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		return appts[i].TokenNumber < appts[j].TokenNumber
	})
}
