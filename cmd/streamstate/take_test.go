package main

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/config"
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRunTake_Args(t *testing.T) {
	cfg := &config.Config{Exchange: config.ExchangeConfig{ConnectTimeout: time.Second}}

	assert.Error(t, runTake(cfg, zap.NewNop(), []string{"127.0.0.1:1", "task"}))
	assert.Error(t, runTake(cfg, zap.NewNop(), []string{"127.0.0.1:1", "task", "-1"}))
}

func TestRunTake_UnreachableNode(t *testing.T) {
	cfg := &config.Config{Exchange: config.ExchangeConfig{ConnectTimeout: 200 * time.Millisecond}}

	err := runTake(cfg, zap.NewNop(), []string{"127.0.0.1:1", "task", "0"})
	assert.Equal(t, errors.ErrCodeConnection, errors.GetCode(err))
}
