package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
)

const (
	ackTimeout = 2 * time.Second
	queueSize  = 16

	// disconnectQuiesceMillis is how long Disconnect waits for in-flight work.
	disconnectQuiesceMillis uint = 250
)

type Config struct {
	Broker          string
	Topic           string
	ClientIDPrefix  string
	Username        string
	Password        string
	QoS             byte
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ReconnectPeriod time.Duration
	WillTopic       string
	WillPayload     string
}

// Subscriber receives device telemetry from an MQTT topic. The client
// reconnects on its own and re-subscribes on every connect, so the
// message channel stays open until Close.
type Subscriber struct {
	log    *slog.Logger
	topic  string
	qos    byte
	client pahomqtt.Client

	msgs      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func New(log *slog.Logger, cfg Config) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: topic required")
	}

	s := newSubscriber(log, cfg)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientIDPrefix + uuid.NewString()[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectPeriod)
	opts.SetMaxReconnectInterval(cfg.ReconnectPeriod)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 0, false)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", sl.Err(err))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.log.Info("mqtt reconnecting", slog.String("broker", cfg.Broker))
	})

	s.client = pahomqtt.NewClient(opts)
	return s, nil
}

func newSubscriber(log *slog.Logger, cfg Config) *Subscriber {
	return &Subscriber{
		log:   log.With(slog.String("transport", "mqtt"), slog.String("topic", cfg.Topic)),
		topic: cfg.Topic,
		qos:   cfg.QoS,
		msgs:  make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

func (s *Subscriber) Name() string {
	return "mqtt"
}

// Subscribe starts connecting in the background and returns immediately.
// An unreachable broker shows up as a silent stream, which the watchdog
// reports.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan []byte, error) {
	select {
	case <-s.done:
		return nil, errors.New("mqtt: subscriber closed")
	default:
	}

	token := s.client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.log.Error("mqtt connect failed", sl.Err(err))
			}
		case <-ctx.Done():
		case <-s.done:
		}
	}()

	return s.msgs, nil
}

func (s *Subscriber) onConnect(client pahomqtt.Client) {
	s.log.Info("mqtt connected")
	go func() {
		token := client.Subscribe(s.topic, s.qos, s.handleMessage)
		if !token.WaitTimeout(ackTimeout) {
			s.log.Warn("mqtt subscribe not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			s.log.Error("mqtt subscribe failed", sl.Err(err))
			return
		}
		s.log.Info("mqtt subscribed")
	}()
}

func (s *Subscriber) handleMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	select {
	case s.msgs <- payload:
	case <-s.done:
	}
}

// Close unsubscribes from the topic and disconnects. The message channel is
// left open because paho may still be inside a handler; handlers return
// once done is closed.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client.IsConnected() {
			token := s.client.Unsubscribe(s.topic)
			if token.WaitTimeout(ackTimeout) {
				if tokErr := token.Error(); tokErr != nil {
					err = fmt.Errorf("mqtt: unsubscribe %s: %w", s.topic, tokErr)
				}
			}
		}
		s.client.Disconnect(disconnectQuiesceMillis)
		s.log.Info("mqtt subscriber closed")
	})
	return err
}
