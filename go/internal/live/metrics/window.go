package metrics

import "time"

// rollingCounter counts occurrences over a sliding window in one-second buckets.
type rollingCounter struct {
	buckets []int64
	stamps  []int64 // unix second each bucket currently holds
}

func newRollingCounter(window time.Duration) *rollingCounter {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &rollingCounter{
		buckets: make([]int64, n),
		stamps:  make([]int64, n),
	}
}

func (r *rollingCounter) add(now time.Time) {
	sec := now.Unix()
	i := int(sec % int64(len(r.buckets)))
	if r.stamps[i] != sec {
		r.stamps[i] = sec
		r.buckets[i] = 0
	}
	r.buckets[i]++
}

// total returns the number of occurrences inside the window ending at now.
func (r *rollingCounter) total(now time.Time) int64 {
	sec := now.Unix()
	oldest := sec - int64(len(r.buckets)) + 1

	var sum int64
	for i, stamp := range r.stamps {
		if stamp >= oldest && stamp <= sec {
			sum += r.buckets[i]
		}
	}
	return sum
}

// rate returns occurrences per second averaged over the window.
func (r *rollingCounter) rate(now time.Time) float64 {
	return float64(r.total(now)) / float64(len(r.buckets))
}
