package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusForClassification(t *testing.T) {
	status, ok := StatusForClassification(ClassificationManual)
	assert.True(t, ok)
	assert.Equal(t, StatusConfirmedManual, status)

	status, ok = StatusForClassification(ClassificationRain)
	assert.True(t, ok)
	assert.Equal(t, StatusConfirmedRain, status)

	_, ok = StatusForClassification("snow")
	assert.False(t, ok)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusDetected))
	assert.True(t, IsTerminal(StatusConfirmedManual))
	assert.True(t, IsTerminal(StatusConfirmedRain))
	assert.False(t, IsTerminal("bogus"))
}

func TestValidNotificationType(t *testing.T) {
	assert.True(t, ValidNotificationType(NotificationIrrigationDetected))
	assert.True(t, ValidNotificationType(NotificationPumpActivated))
	assert.False(t, ValidNotificationType("bogus"))
}
