package location

// Default noise constants for the per-axis filter, in squared degrees.
const (
	DefaultProcessNoise     = 0.00001
	DefaultMeasurementNoise = 0.0001
	initialVariance         = 1.0
)

// Smoother is a scalar Kalman filter run independently on latitude and
// longitude. It is not safe for concurrent use; the owning session serialises
// access.
type Smoother struct {
	q float64 // process noise
	r float64 // measurement noise

	seeded bool
	lat    float64
	lng    float64
	pLat   float64
	pLng   float64
}

// NewSmoother builds a filter. Non-positive noise values fall back to the
// defaults.
func NewSmoother(q, r float64) *Smoother {
	if q <= 0 {
		q = DefaultProcessNoise
	}
	if r <= 0 {
		r = DefaultMeasurementNoise
	}
	return &Smoother{q: q, r: r, pLat: initialVariance, pLng: initialVariance}
}

// Process folds one observation into the estimate and returns the smoothed
// point. The first observation seeds the estimate and is returned unchanged.
func (s *Smoother) Process(lat, lng float64) Point {
	if !s.seeded {
		s.lat, s.lng = lat, lng
		s.seeded = true
		return Point{Latitude: lat, Longitude: lng}
	}
	s.lat, s.pLat = s.step(s.lat, s.pLat, lat)
	s.lng, s.pLng = s.step(s.lng, s.pLng, lng)
	return Point{Latitude: s.lat, Longitude: s.lng}
}

func (s *Smoother) step(estimate, variance, observed float64) (float64, float64) {
	variance += s.q
	gain := variance / (variance + s.r)
	estimate += gain * (observed - estimate)
	variance *= 1 - gain
	return estimate, variance
}

// Seeded reports whether the filter has seen its first observation.
func (s *Smoother) Seeded() bool { return s.seeded }

// Estimate returns the current estimate; ok is false before the first fix.
func (s *Smoother) Estimate() (p Point, ok bool) {
	return Point{Latitude: s.lat, Longitude: s.lng}, s.seeded
}

// Variance returns the current per-axis estimate variance.
func (s *Smoother) Variance() (lat, lng float64) {
	return s.pLat, s.pLng
}

// Reset returns the filter to its unseeded state. Only a session restart
// should call it.
func (s *Smoother) Reset() {
	s.seeded = false
	s.lat, s.lng = 0, 0
	s.pLat, s.pLng = initialVariance, initialVariance
}
