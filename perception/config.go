package perception

import (
	"fmt"
	"math"
)

// Triple is an ordered channel triple in the 0-255 range, e.g. an RGB threshold.
type Triple [3]uint8

// Color spaces accepted by ColorRange.Space.
const (
	ColorSpaceHSV = "hsv"
	ColorSpaceRGB = "rgb"
)

// ColorRange is an inclusive per-channel box. Space selects how a pixel is
// interpreted before the test: "hsv" (OpenCV 8-bit convention) or "rgb".
type ColorRange struct {
	Space string `yaml:"space" json:"space"`
	Lower Triple `yaml:"lower" json:"lower"`
	Upper Triple `yaml:"upper" json:"upper"`
}

// RectifyConfig holds the four-point correspondence for the ground-plane warp.
// When Destination is nil, the destination square is derived from the frame
// size: a 2*DestSize square centred horizontally, BottomOffset rows above the
// bottom edge.
type RectifyConfig struct {
	Source       [4]Point  `yaml:"source" json:"source"`
	Destination  *[4]Point `yaml:"destination,omitempty" json:"destination,omitempty"`
	DestSize     float64   `yaml:"destSize" json:"destSize"`
	BottomOffset float64   `yaml:"bottomOffset" json:"bottomOffset"`
}

// DestinationFor returns the destination quad for a frame of the given size.
func (rc RectifyConfig) DestinationFor(width, height int) [4]Point {
	if rc.Destination != nil {
		return *rc.Destination
	}
	w, h := float64(width), float64(height)
	return [4]Point{
		{X: w/2 - rc.DestSize, Y: h - rc.BottomOffset},
		{X: w/2 + rc.DestSize, Y: h - rc.BottomOffset},
		{X: w/2 + rc.DestSize, Y: h - 2*rc.DestSize - rc.BottomOffset},
		{X: w/2 - rc.DestSize, Y: h - 2*rc.DestSize - rc.BottomOffset},
	}
}

// WorldConfig sizes the persistent world map.
type WorldConfig struct {
	Size  int     `yaml:"size" json:"size"`   // cells per side
	Scale float64 `yaml:"scale" json:"scale"` // vehicle-frame units per world cell
}

// PoseGate suppresses world-map accumulation when the vehicle attitude would
// distort the flat-ground assumption. Both comparisons are strict.
type PoseGate struct {
	MaxPitch float64 `yaml:"maxPitch" json:"maxPitch"`
	// MaxRoll defaults to 300 degrees, which never trips in practice.
	// It is kept as a configurable second condition until it is calibrated.
	MaxRoll float64 `yaml:"maxRoll" json:"maxRoll"`
}

// Passes reports whether the pose is trustworthy enough to accumulate evidence.
func (g PoseGate) Passes(p Pose) bool {
	return p.Pitch < g.MaxPitch && p.Roll < g.MaxRoll
}

// Calibration groups every constant the perception cycle depends on.
type Calibration struct {
	Rectify            RectifyConfig `yaml:"rectify" json:"rectify"`
	NavigableThreshold Triple        `yaml:"navigableThreshold" json:"navigableThreshold"`
	Target             ColorRange    `yaml:"target" json:"target"`
	World              WorldConfig   `yaml:"world" json:"world"`
	Gate               PoseGate      `yaml:"gate" json:"gate"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	FrameTopic    string `yaml:"frameTopic" json:"frameTopic"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`

	// QoS and Retain apply to the published navigation and pose messages.
	QoS    byte `yaml:"qos" json:"qos"`
	Retain bool `yaml:"retain" json:"retain"`
}

// Config represents the full configuration file
type Config struct {
	VehicleID     string      `yaml:"vehicleId" json:"vehicleId"`
	Calibration   Calibration `yaml:"calibration" json:"calibration"`
	MQTT          MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	FrameURL      string      `yaml:"frameUrl,omitempty" json:"frameUrl,omitempty"`           // Optional HTTP endpoint polled for frames
	MissionLog    string      `yaml:"missionLog,omitempty" json:"missionLog,omitempty"`       // sqlite path; empty disables
	WorldMapCache string      `yaml:"worldMapCache,omitempty" json:"worldMapCache,omitempty"` // persisted map; empty disables
	SteerClipDeg  float64     `yaml:"steerClipDeg" json:"steerClipDeg"`
}

// DefaultCalibration returns the calibration used by the reference simulator
// camera (320x160 frames).
func DefaultCalibration() Calibration {
	return Calibration{
		Rectify: RectifyConfig{
			Source:       [4]Point{{X: 13, Y: 140}, {X: 302, Y: 140}, {X: 202, Y: 96}, {X: 119, Y: 96}},
			DestSize:     5,
			BottomOffset: 5,
		},
		NavigableThreshold: Triple{160, 160, 160},
		// Gold: hue 15-35 on the 0-180 scale, saturated and bright.
		Target: ColorRange{
			Space: ColorSpaceHSV,
			Lower: Triple{15, 100, 100},
			Upper: Triple{35, 255, 255},
		},
		World: WorldConfig{Size: 200, Scale: 10},
		Gate:  PoseGate{MaxPitch: 0.5, MaxRoll: 300},
	}
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		VehicleID:   "rover",
		Calibration: DefaultCalibration(),
		MQTT: MQTTConfig{
			FrameTopic:    "rover/camera",
			PublishPrefix: "roverscope",
			ClientID:      "roverscope",
			Retain:        true,
		},
		SteerClipDeg: 15,
	}
}

// Validate checks calibration constants that would otherwise fail silently.
// A degenerate four-point correspondence is caught later by NewRectifier.
func (c Calibration) Validate() error {
	if c.World.Size <= 0 || c.World.Size > maxWorldMapSize {
		return fmt.Errorf("world.size must be between 1 and %d", maxWorldMapSize)
	}
	if !(c.World.Scale > 0) || math.IsInf(c.World.Scale, 0) {
		return fmt.Errorf("world.scale must be a positive number")
	}
	if math.IsNaN(c.Gate.MaxPitch) || math.IsNaN(c.Gate.MaxRoll) {
		return fmt.Errorf("gate thresholds must be numbers")
	}
	switch c.Target.Space {
	case "", ColorSpaceHSV, ColorSpaceRGB:
	default:
		return fmt.Errorf("target.space must be %q or %q, got %q", ColorSpaceHSV, ColorSpaceRGB, c.Target.Space)
	}
	for i := range c.Target.Lower {
		if c.Target.Lower[i] > c.Target.Upper[i] {
			return fmt.Errorf("target.lower[%d] exceeds target.upper[%d]", i, i)
		}
	}
	if c.Rectify.Destination == nil && !(c.Rectify.DestSize > 0) {
		return fmt.Errorf("rectify.destSize must be positive when no destination is given")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.VehicleID == "" {
		return fmt.Errorf("vehicleId is required")
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if c.SteerClipDeg < 0 {
		return fmt.Errorf("steerClipDeg must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
