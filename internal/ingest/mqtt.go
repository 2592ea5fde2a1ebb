package ingest

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"

	"siphon-rainrate/internal/config"
)

// MQTTClient subscribes to the loop topic and republishes processed
// packets on the output topic over a single broker session.
type MQTTClient struct {
	cfg    config.MQTTConfig
	logger zerolog.Logger

	mu       sync.Mutex
	client   *paho.Client
	messages chan []byte
}

// NewMQTTClient constructs an unconnected client.
func NewMQTTClient(cfg config.MQTTConfig, logger zerolog.Logger) *MQTTClient {
	return &MQTTClient{
		cfg:      cfg,
		logger:   logger.With().Str("component", "mqtt").Str("topic", cfg.Topic).Logger(),
		messages: make(chan []byte, 64),
	}
}

// Connect dials the broker and opens the MQTT session. It is a no-op when
// the session is already open.
func (c *MQTTClient) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *MQTTClient) session(ctx context.Context) (*paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	conn, err := dialBroker(ctx, c.cfg.Broker)
	if err != nil {
		return nil, err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: c.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				c.enqueue(pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			c.logger.Error().Err(err).Msg("mqtt client error")
		},
	})

	keepAlive := uint16(c.cfg.KeepAlive / time.Second)
	ack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   c.cfg.ClientID,
		KeepAlive:  keepAlive,
		CleanStart: true,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("mqtt connect refused: reason code %d", ack.ReasonCode)
	}

	c.client = client
	c.logger.Info().Str("broker", c.cfg.Broker).Msg("mqtt connected")
	return client, nil
}

// Run subscribes to the loop topic and hands packets to handle one at a
// time until ctx is cancelled. Packets are handled off the paho receive
// path so the handler may publish on the same session.
func (c *MQTTClient) Run(ctx context.Context, handle Handler) error {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: c.cfg.Topic, QoS: c.cfg.QoS}},
	}); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", c.cfg.Topic, err)
	}
	c.logger.Info().Msg("mqtt subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mqtt connection closed")
		case payload := <-c.messages:
			c.dispatch(ctx, payload, handle)
		}
	}
}

// Publish sends pkt to the output topic.
func (c *MQTTClient) Publish(ctx context.Context, pkt LoopPacket) error {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	payload, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("serialize loop packet: %w", err)
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.OutputTopic,
		QoS:     c.cfg.QoS,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", c.cfg.OutputTopic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.client = nil
	return err
}

func (c *MQTTClient) enqueue(payload []byte) {
	select {
	case c.messages <- payload:
	default:
		c.logger.Warn().Msg("loop packet buffer full; dropping packet")
	}
}

func (c *MQTTClient) dispatch(ctx context.Context, payload []byte, handle Handler) {
	pkt, err := DecodePacket(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable loop packet")
		return
	}
	if err := handle(ctx, pkt); err != nil {
		c.logger.Error().Err(err).Int64("date_time", pkt.DateTime).Msg("loop packet handler failed")
	}
}

func dialBroker(ctx context.Context, broker string) (net.Conn, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker: %w", err)
	}
	host := u.Host
	if host == "" {
		host = broker
	}
	if u.Port() == "" && u.Host != "" {
		host = net.JoinHostPort(u.Hostname(), "1883")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial mqtt broker %s: %w", host, err)
	}
	return conn, nil
}
