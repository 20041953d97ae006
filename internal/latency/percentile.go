package latency

import "sort"

// p2Estimator is the P² online quantile estimator: five markers whose heights
// approximate the target percentile after the initial bootstrap. Updates are
// O(1). Middle markers move by the parabolic prediction, falling back to
// linear interpolation whenever the parabola would leave the neighbor
// interval.
type p2Estimator struct {
	markers    [5]float64
	positions  [5]float64
	desired    [5]float64
	increments [5]float64
	count      int
	percentile float64 // e.g. 95.0
}

func newP2Estimator(percentile float64) *p2Estimator {
	p := percentile / 100.0
	return &p2Estimator{
		desired:    [5]float64{0, p / 2, p, (1 + p) / 2, 1},
		increments: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
		positions:  [5]float64{0, 1, 2, 3, 4},
		percentile: percentile,
	}
}

// update folds one sample into the estimator.
func (e *p2Estimator) update(v float64) {
	if e.count < 5 {
		// Bootstrap: collect the first five samples, then sort them into
		// marker order.
		e.markers[e.count] = v
		e.count++
		if e.count == 5 {
			sort.Float64s(e.markers[:])
		}
		return
	}

	// Locate the cell k containing v, clamping the extreme markers.
	var k int
	switch {
	case v < e.markers[0]:
		e.markers[0] = v
		k = 0
	case v >= e.markers[4]:
		e.markers[4] = v
		k = 3
	default:
		for i := 1; i < 5; i++ {
			if v < e.markers[i] {
				k = i - 1
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.positions[i]++
	}
	for i := 0; i < 5; i++ {
		e.desired[i] += e.increments[i]
	}

	for i := 1; i < 4; i++ {
		d := e.desired[i] - e.positions[i]
		if (d >= 1 && e.positions[i+1]-e.positions[i] > 1) ||
			(d <= -1 && e.positions[i-1]-e.positions[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			m := e.parabolic(i, sign)
			if !(e.markers[i-1] < m && m < e.markers[i+1]) {
				m = e.linear(i, sign)
			}
			e.markers[i] = m
			e.positions[i] += sign
		}
	}
	e.count++
}

// estimate returns the current percentile estimate. Before the bootstrap
// completes it interpolates over the samples collected so far.
func (e *p2Estimator) estimate() float64 {
	if e.count < 5 {
		if e.count == 0 {
			return 0
		}
		sorted := make([]float64, e.count)
		copy(sorted, e.markers[:e.count])
		sort.Float64s(sorted)

		idx := (e.percentile / 100.0) * float64(e.count-1)
		lo := int(idx)
		if lo >= e.count-1 {
			return sorted[e.count-1]
		}
		w := idx - float64(lo)
		return sorted[lo]*(1-w) + sorted[lo+1]*w
	}
	return e.markers[2]
}

func (e *p2Estimator) sampleCount() int { return e.count }

func (e *p2Estimator) parabolic(i int, d float64) float64 {
	q0, q1, q2 := e.markers[i-1], e.markers[i], e.markers[i+1]
	n0, n1, n2 := e.positions[i-1], e.positions[i], e.positions[i+1]

	return q1 + d*((n1-n0+d)*(q2-q1)/(n2-n1)+(n2-n1-d)*(q1-q0)/(n1-n0))/(n2-n0)
}

func (e *p2Estimator) linear(i int, d float64) float64 {
	if d > 0 {
		return e.markers[i] + (e.markers[i+1]-e.markers[i])/(e.positions[i+1]-e.positions[i])
	}
	return e.markers[i] - (e.markers[i-1]-e.markers[i])/(e.positions[i]-e.positions[i-1])
}
