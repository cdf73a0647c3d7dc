// Package mqtt bridges a mesh network onto an MQTT broker: node state is published as retained
// JSON and simple commands can be issued by publishing to a node's set topic.
package mqtt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/mesh"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 10 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// controller is the slice of the mesh provisioner the bridge drives.
type controller interface {
	OnEvent(fn func(mesh.Event))
	Registry() *mesh.Registry
	Nodes() []*mesh.Node
	SetOnOff(ctx context.Context, destination protocol.Address, on, acknowledged bool) (protocol.Message, error)
	SetLevel(ctx context.Context, destination protocol.Address, value int16, acknowledged bool) (protocol.Message, error)
}

// Bridge connects a mesh provisioner to an MQTT broker.
type Bridge struct {
	client      pahomqtt.Client
	provisioner controller
	prefix      string
	ctx         context.Context
	cancel      context.CancelFunc

	// Per-node state accumulator, keyed by unicast address.
	mu     sync.Mutex
	states map[uint16]map[string]any
}

func newBridge(provisioner controller, prefix string) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		provisioner: provisioner,
		prefix:      prefix,
		states:      make(map[uint16]map[string]any),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(provisioner *mesh.Provisioner, cfg Config) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mesh"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mesh-command"
	}
	b := newBridge(provisioner, cfg.TopicPrefix)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			log.Info("MQTT connected to %s", cfg.Broker)
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warning("MQTT connection lost: %s", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client must be in place before Connect: the OnConnect handler publishes and
	// subscribes through b.client.
	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to provisioner events and begins publishing.
func (b *Bridge) Start() {
	b.provisioner.OnEvent(b.handleEvent)
	log.Info("MQTT bridge started (prefix %q)", b.prefix)
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	log.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event mesh.Event) {
	switch event.Kind {
	case mesh.EventNodeProvisioned:
		b.publishAvailability(event.Node)
		b.subscribeNodeCommands(event.Node)
	case mesh.EventConnectivityChanged:
		b.publishAvailability(event.Node)
	case mesh.EventMessageReceived:
		b.handleReport(event.Source, event.Message)
	}
}

// handleReport folds an unsolicited status message into the node's retained state document.
func (b *Bridge) handleReport(source protocol.Address, msg protocol.Message) {
	switch status := msg.(type) {
	case protocol.OnOffStatus:
		b.updateAndPublishState(source, "state", onOffString(status.On))
	case protocol.LevelStatus:
		b.updateAndPublishState(source, "level", status.Value)
	case protocol.SensorStatus:
		if len(status.Data) >= 4 {
			property := binary.LittleEndian.Uint16(status.Data[:2])
			value := binary.LittleEndian.Uint16(status.Data[2:4])
			b.updateAndPublishState(source, fmt.Sprintf("sensor_%04x", property), value)
		}
	}
}

func (b *Bridge) updateAndPublishState(source protocol.Address, property string, value any) {
	b.mu.Lock()
	state, ok := b.states[source.Value()]
	if !ok {
		state = make(map[string]any)
		b.states[source.Value()] = state
	}
	state[property] = value

	if node, err := b.provisioner.Registry().Lookup(source); err == nil {
		state["last_seen"] = node.LastSeen.Format(time.RFC3339)
	}

	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+b.topicName(source), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAvailability(node *mesh.Node) {
	if node == nil {
		return
	}
	state := "offline"
	if node.Connectivity == mesh.ConnectivityConnected {
		state = "online"
	}
	b.publish(b.prefix+"/"+nodeTopicName(node)+"/availability", []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	for _, node := range b.provisioner.Nodes() {
		b.subscribeNodeCommands(node)
	}
}

func (b *Bridge) subscribeNodeCommands(node *mesh.Node) {
	topic := b.prefix + "/" + nodeTopicName(node) + "/set"
	address := node.Address
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Paho delivers messages from a single router goroutine; an acknowledged send can
		// block for the full retry window, so it must not run inline.
		payload := msg.Payload()
		go b.handleCommand(address, payload)
	})
}

func (b *Bridge) handleCommand(address protocol.Address, payload []byte) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warning("Invalid command JSON for %s: %s", address, err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if state, ok := cmd["state"].(string); ok {
		on := strings.EqualFold(state, "ON")
		if _, err := b.provisioner.SetOnOff(ctx, address, on, true); err != nil {
			log.Warning("OnOff command for %s failed: %s", address, err)
		} else {
			b.updateAndPublishState(address, "state", onOffString(on))
		}
	}

	if level, ok := toFloat64(cmd["level"]); ok {
		value := int16(level)
		if _, err := b.provisioner.SetLevel(ctx, address, value, true); err != nil {
			log.Warning("Level command for %s failed: %s", address, err)
		} else {
			b.updateAndPublishState(address, "level", value)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Warning("MQTT publish timeout on %s", topic)
		} else if err := token.Error(); err != nil {
			log.Warning("MQTT publish error on %s: %s", topic, err)
		}
	}()
}

// topicName prefers the node's advertised name, falling back to its unicast address.
func (b *Bridge) topicName(address protocol.Address) string {
	if node, err := b.provisioner.Registry().Lookup(address); err == nil {
		return nodeTopicName(node)
	}
	return fmt.Sprintf("%04x", address.Value())
}

func nodeTopicName(node *mesh.Node) string {
	if node.Name != "" {
		return strings.ReplaceAll(node.Name, " ", "_")
	}
	return fmt.Sprintf("%04x", node.Address.Value())
}

func onOffString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
