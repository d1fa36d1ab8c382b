package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/roverscope/perception"
)

// TestMQTTServiceConfigLoading tests configuration loading for MQTT service
func TestMQTTServiceConfigLoading(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		shouldError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			configYAML: `vehicleId: scout
mqtt:
  broker: "mqtt://localhost:1883"
  frameTopic: "scout/camera"
  publishPrefix: "roverscope"
  clientId: "test-client"
`,
		},
		{
			name:       "defaults only",
			configYAML: `{}`,
		},
		{
			name:        "invalid YAML",
			configYAML:  "mqtt: [",
			shouldError: true,
			errorMsg:    "decode config YAML",
		},
		{
			name:        "missing vehicle id",
			configYAML:  `vehicleId: ""`,
			shouldError: true,
			errorMsg:    "vehicleId is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			cfg, err := perception.LoadConfig(path)
			if tt.shouldError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cfg.MQTT.FrameTopic == "" {
				t.Error("FrameTopic should never be empty after defaults")
			}
		})
	}
}

func TestMQTTServiceEnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker.env:1883")
	t.Setenv("MQTT_CLIENT_ID", "")
	t.Setenv("MQTT_USERNAME", "")
	t.Setenv("MQTT_PASSWORD", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "fleet/scout")

	cfg := perception.ResolveMQTTConfig(perception.DefaultConfig().MQTT)
	assert.Equal(t, "tcp://broker.env:1883", cfg.Broker)
	assert.Equal(t, "fleet/scout", cfg.PublishPrefix)
	assert.Equal(t, "rover/camera", cfg.FrameTopic)
}

func TestRunService_RequiresBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dir := t.TempDir()

	app := NewApp()
	app.out = &strings.Builder{}
	app.ApplyOptions(AppOptions{ConfigFile: writeTestConfig(t, dir), MqttMode: true})

	err := app.RunService()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT broker not configured")
}

// TestMessageHandlerErrorCases tests the MQTT frame callback
func TestMessageHandlerErrorCases(t *testing.T) {
	app := newTestApp(t)

	app.handleFrame(nil, []byte("junk"), perception.ErrNoFrame)
	assert.Equal(t, 0, app.State.Cycles(), "undecodable frames must not run a cycle")

	app.handleFrame(testFrame(perception.Pose{X: 50, Y: 50}), nil, nil)
	assert.Equal(t, 1, app.State.Cycles())
}

func TestHandleFrame_PublishesNavigation(t *testing.T) {
	app := newTestApp(t)
	mock := perception.NewMockClient()
	mock.SetConnected(true)
	app.Publisher = perception.NewPublisher(mock, "roverscope", app.Config.VehicleID)

	frame := testFrame(perception.Pose{X: 100, Y: 100, Yaw: 45})
	app.handleFrame(frame, nil, nil)

	msgs := mock.Published("roverscope/navigation")
	require.Len(t, msgs, 1)
	var nav perception.NavigationMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &nav))
	assert.Equal(t, "rover", nav.VehicleID)
	assert.True(t, nav.GateOpen)
	assert.Greater(t, nav.NavigableCount, 0)
	require.NotNil(t, nav.SteerDeg)

	poses := mock.Published("roverscope/pose")
	require.Len(t, poses, 1)
	var pose perception.PoseMessage
	require.NoError(t, json.Unmarshal(poses[0].Payload, &pose))
	assert.Equal(t, 45.0, pose.Pose.Yaw)
	assert.Greater(t, pose.Mapped, 0.0)
}

func TestNewPublisher_AppliesQoSAndRetain(t *testing.T) {
	app := newTestApp(t)
	mock := perception.NewMockClient()
	mock.SetConnected(true)
	cfg := app.Config.MQTT
	cfg.QoS = 1
	cfg.Retain = false
	app.Publisher = newPublisher(mock, cfg, app.Config.VehicleID)

	app.handleFrame(testFrame(perception.Pose{X: 100, Y: 100}), nil, nil)

	msgs := mock.Published("")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, byte(1), m.QoS, m.Topic)
		assert.False(t, m.Retain, m.Topic)
	}
	assert.True(t, perception.DefaultConfig().MQTT.Retain, "retain is on unless configured off")
}

func TestHandleFrame_PublisherDisconnected(t *testing.T) {
	app := newTestApp(t)
	app.Publisher = perception.NewPublisher(perception.NewMockClient(), "roverscope", "rover")

	app.handleFrame(testFrame(perception.Pose{X: 100, Y: 100}), nil, nil)
	assert.Equal(t, 1, app.State.Cycles(), "a publish failure must not drop the cycle")
}

func TestPollFrames(t *testing.T) {
	app := newTestApp(t)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.fetch = func(ctx context.Context, url string) (*perception.Frame, error) {
		n := calls.Add(1)
		if n == 2 {
			return nil, perception.ErrNoFrame
		}
		if n >= 3 {
			cancel()
		}
		return testFrame(perception.Pose{X: 100, Y: float64(100 + n)}), nil
	}

	done := make(chan struct{})
	go func() {
		app.pollFrames(ctx, "http://sim/frame", time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pollFrames did not stop after cancel")
	}

	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, 1, app.State.Cycles(), "failed and cancelled polls must not run a cycle")
}
