package main

import (
	"testing"

	"github.com/daedaluz/gatmux/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestOpenSerialRejectsUnsupportedBaud(t *testing.T) {
	_, err := openSerial(config.SerialConfig{Device: "/dev/null", BaudRate: 12345, ReadTimeoutMS: 100})
	assert.Error(t, err)
}

func TestOpenSerialRejectsMissingDevice(t *testing.T) {
	_, err := openSerial(config.SerialConfig{Device: "/dev/does-not-exist-gatmuxd", BaudRate: 115200, ReadTimeoutMS: 100})
	assert.Error(t, err)
}
