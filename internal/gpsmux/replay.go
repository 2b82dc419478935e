package gpsmux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ReplayPort is a SerialPorter that plays back recorded NMEA lines on a
// fixed cadence, looping at the end. Commands written to it are recorded.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer

	stop chan struct{}
	once sync.Once
}

// NewReplayPort starts playing lines, one every interval.
func NewReplayPort(lines []string, interval time.Duration) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, stop: make(chan struct{})}
	go p.play(lines, interval)
	return p
}

func (p *ReplayPort) play(lines []string, interval time.Duration) {
	defer p.w.Close()
	if len(lines) == 0 {
		<-p.stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(lines) {
		if _, err := io.WriteString(p.w, lines[i]+"\r\n"); err != nil {
			return
		}
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything written to the port so far.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.r.Close()
	})
	return nil
}

// NewReplayMux returns a mux backed by a ReplayPort.
func NewReplayMux(lines []string, interval time.Duration) *Mux[*ReplayPort] {
	return NewMux(NewReplayPort(lines, interval))
}

// LoadFixtures reads NMEA lines from a file, skipping blank lines and lines
// starting with '#'.
func LoadFixtures(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	if len(lines) == 0 {
		return nil, errors.New("fixtures file has no NMEA lines")
	}
	return lines, nil
}

// DefaultFixtures is a short out-and-back walk used by dev mode when no
// fixtures file is given: about 5 m/s north-east from 1.0N 36.0E for a
// minute, then back, so the loop restarts where it began.
func DefaultFixtures() []string {
	const steps = 60
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var out []string
	for i := 0; i < 2*steps; i++ {
		k, course := i, "45.0"
		if i >= steps {
			k, course = 2*steps-1-i, "225.0"
		}
		t := base.Add(time.Duration(i) * time.Second)
		coords := nmeaCoords(1.0+float64(k)*0.00003, 36.0+float64(k)*0.00003)
		out = append(out,
			Command(fmt.Sprintf("GPGGA,%s,%s,1,09,0.9,1650.0,M,0.0,M,,", nmeaTime(t), coords)),
			Command(fmt.Sprintf("GPRMC,%s,A,%s,9.1,%s,%s,,", nmeaTime(t), coords, course, t.Format("020106"))),
		)
	}
	return out
}

func nmeaTime(t time.Time) string { return t.Format("150405.00") }

func nmeaCoords(lat, lng float64) string {
	return fmt.Sprintf("%s,%s,%s,%s", nmeaAngle(lat, 2), hemisphere(lat, "N", "S"), nmeaAngle(lng, 3), hemisphere(lng, "E", "W"))
}

func nmeaAngle(v float64, degDigits int) string {
	if v < 0 {
		v = -v
	}
	deg := int(v)
	return fmt.Sprintf("%0*d%07.4f", degDigits, deg, (v-float64(deg))*60)
}

func hemisphere(v float64, pos, neg string) string {
	if v < 0 {
		return neg
	}
	return pos
}
