package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "freshtrack.unit.status.unit-1", Subject("freshtrack.unit.status", "unit-1"))
}

func TestNewStatusMessage(t *testing.T) {
	temp := 9.5
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	msg := NewStatusMessage(models.StatusEvent{
		ID:             "evt-1",
		UnitID:         "unit-1",
		FromStatus:     models.UnitStatusExcursion,
		ToStatus:       models.UnitStatusAlarmActive,
		Reason:         "excursion confirmed",
		TempReading:    &temp,
		DoorState:      models.DoorClosed,
		MissedCheckins: 0,
		CreatedAt:      at,
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "alarm_active", decoded["to_status"])
	assert.Equal(t, "excursion", decoded["from_status"])
	assert.Equal(t, 9.5, decoded["temp_reading"])
	assert.Equal(t, float64(at.Unix()), decoded["timestamp"])
}

func TestNewStatusMessage_OmitsMissingTemperature(t *testing.T) {
	data, err := json.Marshal(NewStatusMessage(models.StatusEvent{UnitID: "unit-1", ToStatus: models.UnitStatusOffline}))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "temp_reading")
}
