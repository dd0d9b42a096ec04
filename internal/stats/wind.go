package stats

import (
	"fmt"
	"math"

	"github.com/chadmayfield/noaad/internal/weather"
)

// DefaultBucketWidth splits the compass into 16 points.
const DefaultBucketWidth = 22.5

// WindVector is a histogram of wind direction samples over compass buckets.
type WindVector struct {
	width  float64
	counts []int
	total  int
}

// NewWindVector returns a histogram with buckets of width degrees. The width
// must divide 360 evenly.
func NewWindVector(width float64) (*WindVector, error) {
	if err := ValidateBucketWidth(width); err != nil {
		return nil, err
	}
	n := int(math.Round(360 / width))
	return &WindVector{width: width, counts: make([]int, n)}, nil
}

// ValidateBucketWidth checks that width is in (0, 360] and divides the circle evenly.
func ValidateBucketWidth(width float64) error {
	if !(width > 0 && width <= 360) {
		return fmt.Errorf("bucket width %v out of range (0, 360]", width)
	}
	n := math.Round(360 / width)
	if math.Abs(n*width-360) > 1e-9 {
		return fmt.Errorf("bucket width %v does not divide 360", width)
	}
	return nil
}

// Update adds one direction sample in degrees. Null samples are ignored.
func (w *WindVector) Update(angle float64) {
	if weather.IsNull(angle) {
		return
	}
	n := len(w.counts)
	b := int(math.Round(angle/w.width)) % n
	if b < 0 {
		b += n
	}
	w.counts[b]++
	w.total++
}

// Dominant returns the bucket with the most samples. Ties go to the lowest
// index. ok is false when no samples were added.
func (w *WindVector) Dominant() (index int, ok bool) {
	if w.total == 0 {
		return 0, false
	}
	best := 0
	for i, c := range w.counts {
		if c > w.counts[best] {
			best = i
		}
	}
	return best, true
}

// DominantDegrees returns the center of the dominant bucket in degrees.
func (w *WindVector) DominantDegrees() (float64, bool) {
	i, ok := w.Dominant()
	if !ok {
		return 0, false
	}
	return float64(i) * w.width, true
}

// Count returns the number of samples in bucket i.
func (w *WindVector) Count(i int) int { return w.counts[i] }

// Buckets returns the number of buckets.
func (w *WindVector) Buckets() int { return len(w.counts) }

// Total returns the number of samples added since the last reset.
func (w *WindVector) Total() int { return w.total }

// Width returns the bucket width in degrees.
func (w *WindVector) Width() float64 { return w.width }

// Reset zeroes all buckets.
func (w *WindVector) Reset() {
	clear(w.counts)
	w.total = 0
}

// CircularMean returns the vector mean of compass angles in [0, 360). ok is
// false when there are no non-null angles or they cancel out.
func CircularMean(angles []float64) (mean float64, ok bool) {
	var sx, sy float64
	n := 0
	for _, a := range angles {
		if weather.IsNull(a) {
			continue
		}
		r := a * math.Pi / 180
		sx += math.Cos(r)
		sy += math.Sin(r)
		n++
	}
	if n == 0 || math.Hypot(sx, sy) < 1e-9 {
		return 0, false
	}
	deg := math.Atan2(sy, sx) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg, true
}
