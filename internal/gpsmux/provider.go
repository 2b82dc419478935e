package gpsmux

import (
	"context"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/geo"
	"github.com/banshee-data/tracked/internal/location"
)

// Source is the part of a mux a Provider reads from.
type Source interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Provider implements location.Provider on top of a mux. Each subscription
// decodes the NMEA stream independently and applies its own Request.
type Provider struct {
	src    Source
	uere   float64
	err    error
	logger *zap.Logger
}

// NewProvider returns a provider reading from src.
func NewProvider(src Source, uere float64, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{src: src, uere: uere, logger: logger.Named("gps")}
}

// Unavailable returns a provider whose subscriptions fail with err, used when
// the receiver could not be opened.
func Unavailable(err error) *Provider {
	return &Provider{err: err, logger: zap.NewNop()}
}

// Subscribe implements location.Provider. The channel is closed when ctx is
// cancelled or the mux shuts down.
func (p *Provider) Subscribe(ctx context.Context, req location.Request) (<-chan location.Update, error) {
	if p.err != nil {
		return nil, p.err
	}
	id, lines := p.src.Subscribe()
	out := make(chan location.Update, 4)

	go func() {
		defer close(out)
		defer p.src.Unsubscribe(id)

		f := newFilter(req)
		dec := NewDecoder(p.uere)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				updates, err := dec.Feed(line)
				if err != nil {
					p.logger.Debug("skip NMEA line", zap.String("line", line), zap.Error(err))
					continue
				}
				for _, u := range updates {
					if u.Fix != nil && !f.pass(u.Fix) {
						continue
					}
					select {
					case out <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// filter applies the Interval and MinDisplacementMeters of a request.
type filter struct {
	req    location.Request
	last   *location.RawFix
	lastAt int64
}

func newFilter(req location.Request) *filter { return &filter{req: req} }

func (f *filter) pass(fix *location.RawFix) bool {
	if f.last != nil {
		elapsed := fix.TimestampMillis - f.lastAt
		// A timestamp that goes backwards (receiver reset, replay loop)
		// restarts the cadence.
		if elapsed >= 0 && elapsed < f.req.Interval.Milliseconds() {
			return false
		}
		if f.req.MinDisplacementMeters > 0 &&
			geo.DistanceMeters(f.last.Latitude, f.last.Longitude, fix.Latitude, fix.Longitude) < f.req.MinDisplacementMeters {
			return false
		}
	}
	f.last = fix
	f.lastAt = fix.TimestampMillis
	return true
}
