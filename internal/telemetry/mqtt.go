// Package telemetry publishes session and game lifecycle events to an
// MQTT broker for external monitoring.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/util"
)

// MQTT topics.
const (
	TopicServerAdmin    = "openspore/admin"
	TopicServerStatus   = "openspore/status"
	TopicServerSessions = "openspore/sessions"
	TopicServerGames    = "openspore/games"
	TopicServerRooms    = "openspore/rooms"
)

// MQTTHandler manages the MQTT connection and publishes telemetry
// events from the bus.
type MQTTHandler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message.
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.GetBool(config.KeyTelemetryEnabled) {
		return nil, fmt.Errorf("telemetry is disabled")
	}
	broker := cfg.GetString(config.KeyTelemetryBroker)
	if broker == "" {
		return nil, fmt.Errorf("telemetry broker is not configured")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"os":        sysInfo.OS,
		"cpu_model": sysInfo.CPUModel,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
		"game":      cfg.GetString(config.KeyGameName),
	}

	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: metadata,
	}

	scheme := "tcp"
	if cfg.GetBool(config.KeyTelemetryTLS) {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, broker, cfg.GetInt(config.KeyTelemetryPort)))
	opts.SetClientID(cfg.GetString(config.KeyTelemetryClientID))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.GetBool(config.KeyTelemetryTLS) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker and subscribes to bus events. It
// blocks until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.GetString(config.KeyTelemetryBroker)).
		Int("port", h.cfg.GetInt(config.KeyTelemetryPort)).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers bus handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventSessionOpened, "mqtt.sessionOpened", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventSessionClosed, "mqtt.sessionClosed", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventFrameRejected, "mqtt.frameRejected", h.onFrameRejected)
	h.eventBus.Subscribe(events.EventUserAuthenticated, "mqtt.userAuthenticated", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventGameCreated, "mqtt.gameCreated", h.onGameEvent)
	h.eventBus.Subscribe(events.EventGameDestroyed, "mqtt.gameDestroyed", h.onGameEvent)
	h.eventBus.Subscribe(events.EventRoomJoined, "mqtt.roomJoined", h.onRoomEvent)
	h.eventBus.Subscribe(events.EventRoomLeft, "mqtt.roomLeft", h.onRoomEvent)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, event events.EventType, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = string(event)
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) onSessionEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicServerSessions, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onFrameRejected(ctx context.Context, event events.Event) error {
	h.publish(TopicServerStatus, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onGameEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicServerGames, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onRoomEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicServerRooms, event.Type, event.Payload)
	return nil
}

// PublishStatus pushes a point-in-time statistics snapshot.
func (h *MQTTHandler) PublishStatus(payload interface{}) {
	h.publish(TopicServerStatus, "status", payload)
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicServerAdmin, events.EventShutdown, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
