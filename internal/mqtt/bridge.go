//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"kasa-go-home/internal/hub"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// tracked is what the bridge remembers about a published device.
type tracked struct {
	topic  string
	nodeID string
}

// Bridge mirrors hub devices to MQTT with HA autodiscovery and routes
// commands from the set topics back to the hub.
type Bridge struct {
	client pahomqtt.Client
	hub    *hub.Hub
	prefix string
	logger *slog.Logger
	unsub  func()

	mu      sync.Mutex
	devices map[string]tracked // addr -> topic and HA node id
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *hub.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		hub:     h,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
		devices: make(map[string]tracked),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("kasa-go-home-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to hub events.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event hub.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	addr, _ := data["addr"].(string)
	if addr == "" {
		return
	}

	switch event.Type {
	case hub.EventDeviceDiscovered, hub.EventDeviceUpdated:
		if view, ok := b.view(addr); ok {
			b.syncDevice(view)
		}
	case hub.EventStateChanged:
		if view, ok := b.view(addr); ok {
			b.publishState(view)
		}
	case hub.EventDeviceRemoved:
		b.removeDevice(addr)
	}
}

func (b *Bridge) view(addr string) (hub.DeviceView, bool) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return hub.DeviceView{}, false
	}
	v, err := b.hub.GetDevice(ap)
	if err != nil {
		return hub.DeviceView{}, false
	}
	return *v, true
}

func (b *Bridge) publishAll() {
	b.mu.Lock()
	clear(b.devices)
	b.mu.Unlock()
	for _, v := range b.hub.ListDevices() {
		b.syncDevice(v)
	}
}

// syncDevice publishes discovery and subscribes to commands when the device is
// new to the bridge or its topic moved after a rename, then publishes state.
func (b *Bridge) syncDevice(dev hub.DeviceView) {
	next := tracked{topic: deviceTopicName(dev), nodeID: deviceIdentifier(dev)}

	b.mu.Lock()
	prev, known := b.devices[dev.Addr]
	b.devices[dev.Addr] = next
	b.mu.Unlock()

	if !known || prev != next {
		if known {
			b.client.Unsubscribe(b.prefix + "/" + prev.topic + "/set")
			if prev.nodeID != next.nodeID {
				b.publishRemoval(prev.nodeID)
			}
		}
		for _, msg := range buildDiscovery(dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.subscribeDeviceCommands(dev.Addr, next.topic)
		b.logger.Info("published HA discovery", "addr", dev.Addr, "name", deviceDisplayName(dev))
	}
	b.publishState(dev)
}

func (b *Bridge) removeDevice(addr string) {
	b.mu.Lock()
	prev, known := b.devices[addr]
	delete(b.devices, addr)
	b.mu.Unlock()
	if !known {
		return
	}
	b.client.Unsubscribe(b.prefix + "/" + prev.topic + "/set")
	b.publishRemoval(prev.nodeID)
	b.publish(b.prefix+"/"+prev.topic, nil, true)
}

func (b *Bridge) publishRemoval(nodeID string) {
	for _, msg := range buildRemoveDiscovery(nodeID) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishState(dev hub.DeviceView) {
	b.publish(b.prefix+"/"+deviceTopicName(dev), mustJSON(statePayload(dev)), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeDeviceCommands(addr, topicName string) {
	topic := b.prefix + "/" + topicName + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(addr, msg.Payload())
	})
}

// command is a Home Assistant JSON-schema light or switch command.
type command struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
	Transition float64  `json:"transition"`
	Color      *struct {
		H float64 `json:"h"`
		S float64 `json:"s"`
	} `json:"color"`
	ColorTemp *float64 `json:"color_temp"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, err
	}
	cmd.State = strings.ToUpper(cmd.State)
	return cmd, nil
}

func (b *Bridge) handleCommand(addr string, payload []byte) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command JSON", "addr", addr, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.hub.Context(), 10*time.Second)
	defer cancel()

	switch cmd.State {
	case "OFF":
		b.report("off", addr, b.hub.SwitchOff(ctx, ap))
		return
	case "TOGGLE":
		_, err := b.hub.Toggle(ctx, ap)
		b.report("toggle", addr, err)
		return
	}

	// Color commands switch bulbs on themselves.
	switch {
	case cmd.Color != nil:
		level := 100
		if cmd.Brightness != nil {
			level = int(*cmd.Brightness)
		} else if v, ok := b.view(addr); ok && v.Brightness > 0 {
			level = v.Brightness
		}
		b.report("color", addr, b.hub.SetColor(ctx, ap, int(cmd.Color.H), int(cmd.Color.S), level))
		return
	case cmd.ColorTemp != nil:
		b.report("color_temp", addr, b.hub.SetColorTemp(ctx, ap, miredToKelvin(int(*cmd.ColorTemp))))
		return
	}

	if cmd.State == "ON" {
		if err := b.hub.SwitchOn(ctx, ap); err != nil {
			b.report("on", addr, err)
			return
		}
	}
	if cmd.Brightness != nil {
		b.report("brightness", addr, b.hub.SetBrightness(ctx, ap, int(*cmd.Brightness), cmd.Transition > 0))
	}
}

func (b *Bridge) report(op, addr string, err error) {
	if err != nil {
		b.logger.Warn(op+" command failed", "addr", addr, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
