package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := L()
	defer SetLogger(original)

	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))

	Logf("queued %d events", 3)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "queued 3 events", logs.All()[0].Message)

	// nil installs a no-op logger.
	SetLogger(nil)
	Logf("dropped")
	assert.Equal(t, 1, logs.Len())
}

func TestNamed(t *testing.T) {
	original := L()
	defer SetLogger(original)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Named(nil, "delivery").Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "delivery", logs.All()[0].LoggerName)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"json debug", Config{Level: "debug", Encoding: "json"}, false},
		{"upper case level", Config{Level: "WARN"}, false},
		{"bad level", Config{Level: "chatty"}, true},
		{"bad encoding", Config{Encoding: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLogf_Default(t *testing.T) {
	assert.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test %s", "message") })
}
