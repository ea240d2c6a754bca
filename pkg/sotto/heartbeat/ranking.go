// ranking.go orders heartbeat candidates and applies the spoken-duration
// cap. Ordering is a stable sort, so equal items keep insertion order and
// the emitted batch is deterministic for testing.
package heartbeat

import (
	"sort"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/delivery"
)

// Ranking classes, highest first. Calendar items count as imminent only
// when due within the configured lookahead; otherwise they rank with
// general briefing content.
const (
	classAlert = iota
	classCalendarImminent
	classTaskReminder
	classGeneral
)

func rankClass(item *delivery.Item, now time.Time, lookahead time.Duration) int {
	switch item.Kind {
	case delivery.KindAlert:
		return classAlert
	case delivery.KindCalendar:
		due := item.ScheduledAt.Sub(now)
		if due <= lookahead {
			return classCalendarImminent
		}
		return classGeneral
	case delivery.KindTaskReminder:
		return classTaskReminder
	default:
		return classGeneral
	}
}

// Rank sorts candidates into delivery order: priority class, then earliest
// scheduled time, then insertion sequence as the final tie-break.
func Rank(items []*delivery.Item, now time.Time, lookahead time.Duration) []*delivery.Item {
	out := make([]*delivery.Item, len(items))
	copy(out, items)

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := rankClass(out[i], now, lookahead), rankClass(out[j], now, lookahead)
		if ci != cj {
			return ci < cj
		}
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// CapDuration splits ranked items into the emitted batch and the deferred
// remainder. Items are appended while the running estimated duration stays
// under the ceiling; everything past the cap is deferred to the next cycle,
// never dropped.
func CapDuration(items []*delivery.Item, ceiling time.Duration) (batch, deferred []*delivery.Item) {
	var running time.Duration
	for i, item := range items {
		d := item.EstimatedDuration()
		if running+d > ceiling {
			// Deferring the tail, not just the offending item,
			// keeps the ranked order intact across cycles.
			deferred = append(deferred, items[i:]...)
			break
		}
		batch = append(batch, item)
		running += d
	}
	return batch, deferred
}
