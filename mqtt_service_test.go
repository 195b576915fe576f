package main

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/pointscope/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandPayloads feeds raw command payloads through the same path the
// MQTT subscription uses.
func TestCommandPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, a *App)
	}{
		{
			name:    "plain clear",
			payload: "clear",
			check: func(t *testing.T, a *App) {
				assert.Zero(t, scannedPoints(a))
			},
		},
		{
			name:    "quoted reset",
			payload: `"reset"`,
			check: func(t *testing.T, a *App) {
				_, anchor := a.Scene.SelectionState()
				assert.Nil(t, anchor)
				assert.Equal(t, 4, scannedPoints(a))
			},
		},
		{
			name:    "radius object",
			payload: `{"action":"radius","radius":2.5}`,
			check: func(t *testing.T, a *App) {
				radius, _ := a.Scene.SelectionState()
				assert.Equal(t, 2.5, radius)
			},
		},
		{
			name:    "negative radius ignored",
			payload: `{"action":"radius","radius":-1}`,
			check: func(t *testing.T, a *App) {
				radius, _ := a.Scene.SelectionState()
				assert.Equal(t, 20.0, radius)
			},
		},
		{
			name:    "unknown action ignored",
			payload: `{"action":"spin"}`,
			check: func(t *testing.T, a *App) {
				assert.Equal(t, 4, scannedPoints(a))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestApp(t, "")
			require.NoError(t, a.LoadFile(writeScan(t)))
			_, err := a.Scene.SelectAtRaw(r3.Vector{})
			require.NoError(t, err)

			cmd, err := cloud.ParseCommand([]byte(tt.payload))
			require.NoError(t, err)
			a.handleCommand(cmd)
			tt.check(t, a)
		})
	}
}

func TestCommandPayloadErrors(t *testing.T) {
	for _, payload := range []string{"", "   ", `{"radius":1}`, `[1,2]`} {
		_, err := cloud.ParseCommand([]byte(payload))
		assert.ErrorIs(t, err, cloud.ErrInvalidInput, "payload %q", payload)
	}
}

func TestStartMQTTDisabledWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	a, _ := newTestApp(t, "")

	require.NoError(t, a.StartMQTT())
	assert.Nil(t, a.MQTTClient)
	assert.Nil(t, a.Publisher)
}

func TestCancelCommandStopsJob(t *testing.T) {
	stub, srv := newCompletionStub(t)
	a, _ := newTestApp(t, srv.URL)
	a.Completion.Close()

	// A fresh manager with a long interval keeps the job polling
	a.Completion = cloud.NewCompletion(a.Client, a.Scene, cloud.WithPollInterval(time.Hour))
	require.NoError(t, a.LoadFile(writeScan(t)))
	_, err := a.Scene.SelectAtRaw(r3.Vector{})
	require.NoError(t, err)

	a.handleCommand(cloud.Command{Action: "submit"})
	job, ok := a.Completion.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, cloud.JobPolling, job.Status())

	a.handleCommand(cloud.Command{Action: "cancel", Job: "job-1"})
	assert.Equal(t, cloud.JobCancelled, job.Status())
	assert.Zero(t, stub.count("progress"))
}
