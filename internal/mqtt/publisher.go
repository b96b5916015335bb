package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// StatsSource provides the process-level sensor values. main wires an
// adapter so this package stays independent of the API server.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
}

// eventBuffer is the bus subscription depth. Events beyond it are dropped
// by the bus rather than stalling publishers.
const eventBuffer = 64

// Publisher owns the broker connection. It forwards bus events, keeps
// the daily turn counters and pushes sensor states periodically.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the broker and runs until ctx is cancelled. The
// initial connection is awaited for a bounded time; after that autopaho
// keeps retrying in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "parley-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	sub := p.bus.Subscribe(eventBuffer)
	go p.forwardEvents(ctx, sub)
	defer p.bus.Unsubscribe(sub)

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as a connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Device returns the Home Assistant device block.
func (p *Publisher) Device() DeviceInfo { return p.device }

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cm
}

func (p *Publisher) baseTopic() string {
	return "parley/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + strings.ReplaceAll(kind, ".", "/")
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entitySuffix: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.StateClass = "total_increasing"
	tokens.config.UnitOfMeasurement = "tokens"

	turns := p.sensor("turns_today", "Turns Today", "mdi:chat-processing")
	turns.config.StateClass = "total_increasing"

	last := p.sensor("last_turn", "Last Turn", "mdi:clock-check")
	last.config.EntityCategory = "diagnostic"

	model := p.sensor("default_model", "Default Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	return []sensorDef{uptime, version, tokens, turns, last, model}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) forwardEvents(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			p.observe(ev)
			p.publishEvent(ctx, ev)
		}
	}
}

// observe updates the daily counters from turn.finish events.
func (p *Publisher) observe(ev events.Event) {
	if ev.Kind != events.KindTurnFinish {
		return
	}
	p.tokens.OnTurn(intValue(ev.Data["input_tokens"]), intValue(ev.Data["output_tokens"]))
}

func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	cm := p.conn()
	if cm == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) states() map[string]string {
	input, output, turns := p.tokens.Snapshot()
	states := map[string]string{
		"tokens_today": strconv.FormatInt(input+output, 10),
		"turns_today":  strconv.FormatInt(turns, 10),
		"last_turn":    "never",
	}
	if last := p.tokens.LastTurn(); !last.IsZero() {
		states["last_turn"] = last.Format(time.RFC3339)
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["default_model"] = p.stats.DefaultModel()
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
