// v0
// internal/livestore/mqtt.go
package livestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker-backed store.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTStore maps store paths onto retained MQTT topics under a prefix. A
// wildcard subscription keeps a local mirror of every retained value; point
// reads are served from that mirror while the session is up. Deletes publish
// an empty retained payload, which brokers treat as "clear".
type MQTTStore struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
	hub    *hub

	mu        sync.RWMutex
	cache     map[string][]byte
	connected bool
}

// NewMQTTStore builds the store and its paho client. Call Connect to open
// the session.
func NewMQTTStore(cfg MQTTConfig, logger *slog.Logger) *MQTTStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := newMQTTStore(cfg.TopicPrefix, cfg.QoS, logger)

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	s.client = mqtt.NewClient(opts)
	return s
}

func newMQTTStore(prefix string, qos byte, logger *slog.Logger) *MQTTStore {
	prefix = cleanPath(prefix)
	if prefix != "" {
		prefix += "/"
	}
	if qos > 2 {
		qos = 1
	}
	return &MQTTStore{
		prefix: prefix,
		qos:    qos,
		logger: logger.With(slog.String("component", "mqtt_store")),
		hub:    newHub(),
		cache:  make(map[string][]byte),
	}
}

// Connect opens the session. With connect-retry enabled paho keeps trying in
// the background, so a cancelled ctx only stops the wait.
func (s *MQTTStore) Connect(ctx context.Context) error {
	return s.wait(ctx, s.client.Connect())
}

// Close disconnects and drops every watch.
func (s *MQTTStore) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	s.hub.dropAll()
}

func (s *MQTTStore) onConnect(c mqtt.Client) {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()

	token := c.Subscribe(s.prefix+"#", s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt_subscribe_failed", "error", err.Error())
		return
	}
	s.logger.Info("mqtt_connected", "prefix", s.prefix)
	s.setConnected(true)
}

func (s *MQTTStore) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Warn("mqtt_connection_lost", "error", err.Error())
	s.setConnected(false)
}

func (s *MQTTStore) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	if changed {
		s.hub.publish(Event{Kind: EventPut, Path: ConnectionStatePath, Value: connectionPayload(connected)})
	}
	s.mu.Unlock()
}

func (s *MQTTStore) handleMessage(topic string, payload []byte) {
	path, ok := s.pathFor(topic)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if IsNullPayload(payload) {
		// also covers subtree markers such as alerts/{id} that never held a value
		delete(s.cache, path)
		s.hub.publish(Event{Kind: EventDelete, Path: path})
		return
	}
	value := append([]byte(nil), payload...)
	s.cache[path] = value
	s.hub.publish(Event{Kind: EventPut, Path: path, Value: append([]byte(nil), value...)})
}

func (s *MQTTStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = cleanPath(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if path == ConnectionStatePath {
		return connectionPayload(s.connected), nil
	}
	if !s.connected {
		return nil, ErrNotConnected
	}
	v, ok := s.cache[path]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MQTTStore) Set(ctx context.Context, path string, value []byte) error {
	path = cleanPath(path)
	if path == ConnectionStatePath {
		return fmt.Errorf("%s is read-only", ConnectionStatePath)
	}
	if IsNullPayload(value) {
		return s.Delete(ctx, path)
	}
	return s.publish(ctx, path, value)
}

// Delete clears path and every retained topic known below it.
func (s *MQTTStore) Delete(ctx context.Context, path string) error {
	path = cleanPath(path)
	if path == ConnectionStatePath {
		return fmt.Errorf("%s is read-only", ConnectionStatePath)
	}
	s.mu.RLock()
	targets := []string{path}
	for key := range s.cache {
		if strings.HasPrefix(key, path+"/") {
			targets = append(targets, key)
		}
	}
	s.mu.RUnlock()

	// children first so watchers see the subtree delete last
	for i := len(targets) - 1; i >= 0; i-- {
		if err := s.publish(ctx, targets[i], nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *MQTTStore) Watch(ctx context.Context, path string, buffer int) (*Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.add(ctx, cleanPath(path), buffer), nil
}

func (s *MQTTStore) publish(ctx context.Context, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.client == nil || !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if payload == nil {
		payload = []byte{}
	}
	return s.wait(ctx, s.client.Publish(s.topicFor(path), s.qos, true, payload))
}

func (s *MQTTStore) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (s *MQTTStore) topicFor(path string) string {
	return s.prefix + cleanPath(path)
}

func (s *MQTTStore) pathFor(topic string) (string, bool) {
	if !strings.HasPrefix(topic, s.prefix) {
		return "", false
	}
	path := cleanPath(strings.TrimPrefix(topic, s.prefix))
	if path == "" || path == ConnectionStatePath {
		return "", false
	}
	return path, true
}

var _ Store = (*MQTTStore)(nil)
var _ Store = (*MemoryStore)(nil)
var _ Store = (*Guarded)(nil)

// errMQTTNotConfigured guards against a zero-value store.
var errMQTTNotConfigured = errors.New("mqtt store not configured")

// Ready reports whether the session is up.
func (s *MQTTStore) Ready() error {
	if s.client == nil {
		return errMQTTNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}
