package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewParsesLevel(t *testing.T) {
	log := New(Config{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, New(Config{Level: "bogus"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New(Config{}).GetLevel())
}
