// Package logging builds the process-wide zap logger. Components take a
// *zap.SugaredLogger scoped with a "component" field.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a sugared logger for the given mode: "prod" emits JSON,
// anything else the development console encoder.
func New(mode string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch mode {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }
