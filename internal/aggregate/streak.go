package aggregate

import "time"

// Streak counts consecutive qualifying days ending today. An empty today does
// not break the streak: counting then starts from yesterday. Only the last
// lookback days are considered.
func Streak(times []time.Time, today time.Time, lookback int) int {
	loc := today.Location()
	qualifying := make(map[string]struct{}, len(times))
	for _, t := range times {
		qualifying[dayKey(t, loc)] = struct{}{}
	}
	has := func(d time.Time) bool {
		_, ok := qualifying[dayKey(d, loc)]
		return ok
	}

	day := today
	if !has(day) {
		day = day.AddDate(0, 0, -1)
	}
	n := 0
	for n < lookback && has(day) {
		n++
		day = day.AddDate(0, 0, -1)
	}
	return n
}
