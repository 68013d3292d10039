package logging_test

import (
	"testing"

	"github.com/cortexmem/engine/internal/logging"
)

func TestNew_ProductionConfigBuilds(t *testing.T) {
	logger, err := logging.New(logging.Config{Level: "debug"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer logger.Sync()
	logger.Info("test message")
}

func TestNew_DevelopmentConfigBuilds(t *testing.T) {
	logger, err := logging.New(logging.Config{Development: true})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer logger.Sync()
	logger.Warn("test message")
}

func TestNop_DoesNotPanic(t *testing.T) {
	logger := logging.Nop()
	logger.Info("discarded")
}
