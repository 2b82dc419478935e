package gpsmux

import (
	"github.com/banshee-data/tracked/internal/location"
)

// Decoder combines GGA and RMC sentences into location updates. GGA supplies
// the HDOP used for accuracy; RMC supplies the timestamp, ground speed,
// course and receiver status. A Decoder is not safe for concurrent use.
type Decoder struct {
	uere    float64
	hdop    float64
	enabled *bool
}

// NewDecoder returns a decoder using uere metres per unit of HDOP.
func NewDecoder(uere float64) *Decoder {
	if uere <= 0 {
		uere = DefaultUERE
	}
	return &Decoder{uere: uere, hdop: unknownHDOP}
}

// Feed decodes one line. It returns up to two updates: a receiver status
// change and a fix. Lines other than GGA and RMC are ignored.
func (d *Decoder) Feed(line string) ([]location.Update, error) {
	s, err := ParseSentence(line)
	if err != nil {
		return nil, err
	}

	switch s.Type {
	case "GGA":
		g, err := s.GGA()
		if err != nil {
			return nil, err
		}
		d.hdop = g.HDOP
		return nil, nil

	case "RMC":
		r, err := s.RMC()
		if err != nil {
			return nil, err
		}
		var out []location.Update
		if d.enabled == nil || *d.enabled != r.Valid {
			on := r.Valid
			d.enabled = &on
			out = append(out, location.Update{GPSEnabled: &on})
		}
		if r.Valid {
			out = append(out, location.Update{Fix: d.fix(r)})
		}
		return out, nil
	}
	return nil, nil
}

func (d *Decoder) fix(r RMC) *location.RawFix {
	speed := r.SpeedKnots * KnotsToMetersPerSecond
	return &location.RawFix{
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		AccuracyMeters:  d.hdop * d.uere,
		TimestampMillis: r.Time.UnixMilli(),
		Speed:           &speed,
		Bearing:         r.Course,
	}
}
