package config_test

import (
	"testing"

	"github.com/daedaluz/gatmux/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Device = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBaud(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.BaudRate = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownPersonality(t *testing.T) {
	cfg := config.Default()
	cfg.Personality = "voice"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsEveryKnownPersonality(t *testing.T) {
	for _, p := range []config.Personality{config.PersonalityDUN, config.PersonalityHFP, config.PersonalityRawIP} {
		cfg := config.Default()
		cfg.Personality = p
		assert.NoError(t, cfg.Validate(), "personality %q should validate", p)
	}
}
