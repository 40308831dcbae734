package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuildRegistry(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.CNB.Enabled = true

	registry := buildRegistry(cfg, time.UTC, nil, zap.NewNop())
	assert.Equal(t, []string{"cnb"}, registry.IDs())

	cfg.Providers.APIKeys = map[string]string{"fcs": "key"}
	cfg.Providers.CNB.Enabled = false
	registry = buildRegistry(cfg, time.UTC, nil, zap.NewNop())
	assert.Equal(t, []string{"fcs"}, registry.IDs())
}

func TestCreateLogger(t *testing.T) {
	logger, err := createLogger(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}
