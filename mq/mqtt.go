package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"rfwatch/engine"
	"rfwatch/metrics"
	"rfwatch/utils"
)

const disconnectQuiesceMs = 250

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// AlertPublisher pushes alerts to <prefix>/alerts/<source>/<type> and a
// retained tick summary to <prefix>/status.
type AlertPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// StatusPayload is the retained summary of the latest snapshot.
type StatusPayload struct {
	Tick           uint64         `json:"tick"`
	Timestamp      int64          `json:"timestamp"`
	WindowSize     int            `json:"windowSize"`
	ActiveDrones   int            `json:"activeDrones"`
	DronesByType   map[string]int `json:"dronesByType"`
	ActivePatterns int            `json:"activePatterns"`
	Stale          []string       `json:"stale,omitempty"`
}

func NewAlertPublisher(opts MQTTOptions, m *metrics.Metrics) (*AlertPublisher, error) {
	logger := utils.GetLogger()

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "rfwatch"
	}
	clientOpts.SetClientID(clientID + "_" + uuid.NewString()[:8])
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(10 * time.Second)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)

	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", opts.Broker))
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.Any("error", err))
	})
	clientOpts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", slog.String("broker", opts.Broker))
	})

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newAlertPublisher(client, opts.TopicPrefix, opts.QoS, m), nil
}

func newAlertPublisher(client mqtt.Client, prefix string, qos byte, m *metrics.Metrics) *AlertPublisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "rfwatch"
	}
	return &AlertPublisher{client: client, prefix: prefix, qos: qos, metrics: m, logger: utils.GetLogger()}
}

func (p *AlertPublisher) alertTopic(a engine.Alert) string {
	return fmt.Sprintf("%s/alerts/%s/%s", p.prefix, a.Source, a.Type)
}

// PublishAlert implements engine.AlertSink.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert engine.Alert) error {
	err := p.publish(ctx, p.alertTopic(alert), false, alert)
	p.metrics.RecordMQTTPublish(err)
	return err
}

// PublishStatus replaces the retained status message with a summary of snap.
func (p *AlertPublisher) PublishStatus(ctx context.Context, snap engine.Snapshot) error {
	byType := make(map[string]int, len(snap.DroneStats.ByType))
	for typ, n := range snap.DroneStats.ByType {
		byType[string(typ)] = n
	}
	status := StatusPayload{
		Tick:           snap.Tick,
		Timestamp:      snap.GeneratedAt.UnixMilli(),
		WindowSize:     snap.WindowSize,
		ActiveDrones:   len(snap.Drones),
		DronesByType:   byType,
		ActivePatterns: len(snap.Patterns),
		Stale:          snap.Stale,
	}
	err := p.publish(ctx, p.prefix+"/status", true, status)
	p.metrics.RecordMQTTPublish(err)
	return err
}

func (p *AlertPublisher) publish(ctx context.Context, topic string, retained bool, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	token := p.client.Publish(topic, p.qos, retained, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *AlertPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesceMs)
	}
}
