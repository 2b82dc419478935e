package gpsmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// testPort implements SerialPorter for testing Mux operations.
type testPort struct {
	mu          sync.Mutex
	readData    []byte
	readIndex   int
	writtenData bytes.Buffer
	writeErr    error
	shortWrite  bool
	closeErr    error
	closed      bool
}

func newTestPort(data string) *testPort {
	return &testPort{readData: []byte(data)}
}

func (p *testPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.readIndex >= len(p.readData) {
		// Simulate a quiet line rather than EOF.
		p.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		p.mu.Lock()
		if p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(buf, p.readData[p.readIndex:])
	p.readIndex += n
	return n, nil
}

func (p *testPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.shortWrite {
		return len(data) - 1, nil
	}
	return p.writtenData.Write(data)
}

func (p *testPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *testPort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writtenData.String()
}

func TestMux_SubscribeReceivesLines(t *testing.T) {
	port := newTestPort(sampleGGA + "\r\n\r\n" + sampleRMC + "\r\n")
	m := NewMux(port)

	_, ch1 := m.Subscribe()
	_, ch2 := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	for _, ch := range []chan string{ch1, ch2} {
		for _, want := range []string{sampleGGA, sampleRMC} {
			select {
			case got := <-ch:
				if got != want {
					t.Errorf("got line %q, want %q", got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestMux_UnsubscribeClosesChannel(t *testing.T) {
	m := NewMux(newTestPort(""))
	id, ch := m.Subscribe()
	m.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	m.Unsubscribe(id) // second call is a no-op
	m.Unsubscribe("missing")
}

func TestMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"adds terminator", "$PMTK220,1000*1F", "$PMTK220,1000*1F\r\n"},
		{"does not double terminator", "$PMTK220,1000*1F\r\n", "$PMTK220,1000*1F\r\n"},
		{"normalises bare newline", "$PMTK220,1000*1F\n", "$PMTK220,1000*1F\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newTestPort("")
			if err := NewMux(port).SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand: %v", err)
			}
			if got := port.written(); got != tt.want {
				t.Errorf("wrote %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMux_SendCommandErrors(t *testing.T) {
	port := newTestPort("")
	port.writeErr = errors.New("unplugged")
	if err := NewMux(port).SendCommand("x"); err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("expected write error, got %v", err)
	}

	short := newTestPort("")
	short.shortWrite = true
	if err := NewMux(short).SendCommand("x"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

func TestMux_Initialize(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     string
	}{
		{5 * time.Second, Command("PMTK220,5000") + "\r\n"},
		{time.Second, "$PMTK220,1000*1F\r\n"},
		{10 * time.Millisecond, Command("PMTK220,100") + "\r\n"},
	}
	for _, tt := range tests {
		port := newTestPort("")
		if err := NewMux(port).Initialize(tt.interval); err != nil {
			t.Fatalf("Initialize(%v): %v", tt.interval, err)
		}
		if got := port.written(); got != tt.want {
			t.Errorf("Initialize(%v) wrote %q, want %q", tt.interval, got, tt.want)
		}
	}

	port := newTestPort("")
	port.writeErr = errors.New("unplugged")
	if err := NewMux(port).Initialize(time.Second); err == nil {
		t.Error("expected error from Initialize")
	}
}

func TestMux_Close(t *testing.T) {
	port := newTestPort("")
	port.closeErr = errors.New("close failed")
	m := NewMux(port)
	_, ch1 := m.Subscribe()
	_, ch2 := m.Subscribe()

	if err := m.Close(); err == nil {
		t.Error("expected port close error to be returned")
	}
	for _, ch := range []chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Error("expected subscriber channel to be closed")
		}
	}
	if !port.closed {
		t.Error("expected port to be closed")
	}
}

func TestMux_MonitorStopsWhenClosing(t *testing.T) {
	port := newTestPort(sampleGGA + "\n")
	m := NewMux(port)
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return")
	}
}
