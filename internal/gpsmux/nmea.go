package gpsmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// KnotsToMetersPerSecond converts RMC ground speed.
	KnotsToMetersPerSecond = 1852.0 / 3600.0

	// DefaultUERE is the user equivalent range error used to turn HDOP into
	// an accuracy radius in metres.
	DefaultUERE = 5.0

	// unknownHDOP is the conventional NMEA value for "no estimate".
	unknownHDOP = 99.99
)

var (
	ErrNotNMEA     = errors.New("not an NMEA sentence")
	ErrNoChecksum  = errors.New("missing NMEA checksum")
	ErrBadChecksum = errors.New("NMEA checksum mismatch")
)

// Sentence is one checksummed NMEA line split into its fields.
type Sentence struct {
	Talker string // GP, GN, GL...
	Type   string // GGA, RMC...
	Fields []string
}

// Checksum returns the XOR of every byte in body, the text between '$' and
// '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// Command formats body as a complete sentence with its checksum.
func Command(body string) string {
	body = strings.TrimPrefix(body, "$")
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// ParseSentence validates the checksum of line and splits it.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, ErrNotNMEA
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 {
		return Sentence{}, ErrNoChecksum
	}
	body, sum := line[1:star], line[star+1:]
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil || len(sum) != 2 {
		return Sentence{}, fmt.Errorf("%w: %q", ErrBadChecksum, sum)
	}
	if got := Checksum(body); got != byte(want) {
		return Sentence{}, fmt.Errorf("%w: got %02X want %02X", ErrBadChecksum, got, want)
	}

	fields := strings.Split(body, ",")
	addr := fields[0]
	if len(addr) < 5 {
		return Sentence{}, fmt.Errorf("%w: address %q", ErrNotNMEA, addr)
	}
	s := Sentence{Fields: fields[1:]}
	if addr[0] == 'P' {
		// Proprietary sentences ($PMTK001,...) have no talker.
		s.Type = addr
	} else {
		s.Talker, s.Type = addr[:2], addr[2:]
	}
	return s, nil
}

func (s Sentence) field(i int) string {
	if i < len(s.Fields) {
		return s.Fields[i]
	}
	return ""
}

// GGA is a fix data sentence.
type GGA struct {
	TimeOfDay  time.Duration
	Latitude   float64
	Longitude  float64
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64
}

// HasFix reports whether the receiver claims a position.
func (g GGA) HasFix() bool { return g.Quality > 0 }

// GGA decodes a GGA sentence.
func (s Sentence) GGA() (GGA, error) {
	if s.Type != "GGA" {
		return GGA{}, fmt.Errorf("sentence type %s is not GGA", s.Type)
	}
	var g GGA
	var err error
	if g.TimeOfDay, err = parseTimeOfDay(s.field(0)); err != nil {
		return GGA{}, err
	}
	g.Quality, _ = strconv.Atoi(s.field(5))
	g.Satellites, _ = strconv.Atoi(s.field(6))
	g.HDOP = unknownHDOP
	if v, err := strconv.ParseFloat(s.field(7), 64); err == nil && v > 0 {
		g.HDOP = v
	}
	g.Altitude, _ = strconv.ParseFloat(s.field(8), 64)
	if !g.HasFix() {
		return g, nil
	}
	if g.Latitude, err = parseCoord(s.field(1), s.field(2), 2); err != nil {
		return GGA{}, err
	}
	if g.Longitude, err = parseCoord(s.field(3), s.field(4), 3); err != nil {
		return GGA{}, err
	}
	return g, nil
}

// RMC is the recommended minimum navigation sentence.
type RMC struct {
	Time       time.Time
	Valid      bool
	Latitude   float64
	Longitude  float64
	SpeedKnots float64
	// Course is the track made good in degrees; nil when not reported.
	Course *float64
}

// RMC decodes an RMC sentence.
func (s Sentence) RMC() (RMC, error) {
	if s.Type != "RMC" {
		return RMC{}, fmt.Errorf("sentence type %s is not RMC", s.Type)
	}
	r := RMC{Valid: s.field(1) == "A"}
	if !r.Valid {
		return r, nil
	}

	tod, err := parseTimeOfDay(s.field(0))
	if err != nil {
		return RMC{}, err
	}
	date, err := time.Parse("020106", s.field(8))
	if err != nil {
		return RMC{}, fmt.Errorf("bad RMC date %q: %w", s.field(8), err)
	}
	r.Time = date.Add(tod)

	if r.Latitude, err = parseCoord(s.field(2), s.field(3), 2); err != nil {
		return RMC{}, err
	}
	if r.Longitude, err = parseCoord(s.field(4), s.field(5), 3); err != nil {
		return RMC{}, err
	}
	r.SpeedKnots, _ = strconv.ParseFloat(s.field(6), 64)
	if c, err := strconv.ParseFloat(s.field(7), 64); err == nil {
		r.Course = &c
	}
	return r, nil
}

// parseTimeOfDay parses hhmmss(.sss).
func parseTimeOfDay(v string) (time.Duration, error) {
	if len(v) < 6 {
		return 0, fmt.Errorf("bad NMEA time %q", v)
	}
	h, err1 := strconv.Atoi(v[0:2])
	m, err2 := strconv.Atoi(v[2:4])
	sec, err3 := strconv.ParseFloat(v[4:], 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return 0, fmt.Errorf("bad NMEA time %q: %w", v, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}

// parseCoord parses ddmm.mmmm / dddmm.mmmm with a hemisphere letter.
func parseCoord(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("bad NMEA coordinate %q", v)
	}
	deg, err := strconv.ParseFloat(v[:degDigits], 64)
	if err != nil {
		return 0, fmt.Errorf("bad NMEA coordinate %q: %w", v, err)
	}
	mins, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("bad NMEA coordinate %q: %w", v, err)
	}
	out := deg + mins/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("bad NMEA hemisphere %q", hemi)
	}
	return out, nil
}
