package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNew_WritesJSONToFile(t *testing.T) {
	// GIVEN: A JSON logger writing to a temp file
	path := filepath.Join(t.TempDir(), "loans.log")
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	// WHEN: Logging at info and debug
	log.Info("loan opened", zap.String("transfer_id", "loan-1"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	// THEN: Only the info line is written, as JSON
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"loan opened"`)
	assert.Contains(t, string(data), `"transfer_id":"loan-1"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestContextRoundTrip(t *testing.T) {
	log := zap.NewExample()
	ctx := WithContext(context.Background(), log)

	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
