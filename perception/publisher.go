package perception

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// NavigationMessage is published on <prefix>/navigation after every cycle.
type NavigationMessage struct {
	VehicleID string `json:"vehicleId"`
	CycleID   string `json:"cycleId"`
	// SteerDeg is the clipped mean navigable bearing; nil when nothing is navigable.
	SteerDeg          *float64 `json:"steerDeg"`
	NavigableCount    int      `json:"navigableCount"`
	NavigableDistance *float64 `json:"navigableDistance"`
	TargetBearingDeg  *float64 `json:"targetBearingDeg"`
	TargetDistance    *float64 `json:"targetDistance"`
	GateOpen          bool     `json:"gateOpen"`
	Timestamp         int64    `json:"timestamp"`
}

// PoseMessage is published on <prefix>/pose.
type PoseMessage struct {
	VehicleID string  `json:"vehicleId"`
	Pose      Pose    `json:"pose"`
	Mapped    float64 `json:"mapped"` // fraction of the world grid with evidence
	Timestamp int64   `json:"timestamp"`
}

// Publisher publishes per-cycle navigation summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	vehicleID     string
	qos           byte
	retain        bool
	last          *NavigationMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new navigation publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix, vehicleID string) *Publisher {
	if prefix == "" {
		prefix = envOr("MQTT_PUBLISH_PREFIX", "roverscope")
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		vehicleID:     vehicleID,
		qos:           0,
		retain:        true,
	}
}

// NavigationFromReport converts a cycle report into the navigation message.
func NavigationFromReport(vehicleID string, r CycleReport) *NavigationMessage {
	nav := r.Summaries[ChannelNavigable.String()]
	tgt := r.Summaries[ChannelTarget.String()]
	msg := &NavigationMessage{
		VehicleID:         vehicleID,
		CycleID:           r.CycleID,
		SteerDeg:          r.SteerDeg,
		NavigableCount:    nav.Count,
		NavigableDistance: nav.MeanDistance,
		TargetDistance:    tgt.MeanDistance,
		GateOpen:          r.GateOpen,
		Timestamp:         r.Timestamp,
	}
	if tgt.MeanBearing != nil {
		deg := SteerDegrees(*tgt.MeanBearing, 0)
		msg.TargetBearingDeg = &deg
	}
	return msg
}

// PublishReport publishes the navigation summary and the pose for one cycle.
func (p *Publisher) PublishReport(r CycleReport, stats MapStats) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	nav := NavigationFromReport(p.vehicleID, r)
	p.mu.Lock()
	p.last = nav
	p.mu.Unlock()

	if err := p.publishJSON(p.publishPrefix+"/navigation", nav); err != nil {
		return err
	}

	pose := PoseMessage{
		VehicleID: p.vehicleID,
		Pose:      r.Pose,
		Mapped:    stats.Fraction,
		Timestamp: time.Now().Unix(),
	}
	if err := p.publishJSON(p.publishPrefix+"/pose", pose); err != nil {
		return err
	}

	if nav.SteerDeg != nil {
		zap.S().Debugf("[MQTT] published navigation for %s: steer=%.1f°", p.vehicleID, *nav.SteerDeg)
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Last returns the most recent navigation message, or nil.
func (p *Publisher) Last() *NavigationMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	return &cp
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
