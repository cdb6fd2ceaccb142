// Package cloud implements the MQTT relay channel. One broker
// connection is shared by every device of an account; each device gets
// a fixed topic pair derived from the account identifiers. The channel
// has no discovery phase: availability is simply "broker connection is
// up".
package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/crypt"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/protolog"
	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// Cloud channel errors.
var (
	// ErrBrokerDisconnected means the shared broker connection is down.
	ErrBrokerDisconnected = errors.New("mqtt broker disconnected")

	// ErrConnectFailed means the initial broker connection did not
	// come up within the configured timeout.
	ErrConnectFailed = errors.New("mqtt broker connection failed")

	// ErrNotSubscribed means a publish was attempted for a device that
	// was never subscribed on this channel.
	ErrNotSubscribed = errors.New("device not subscribed")
)

// deviceSub is one device's registration on the shared connection.
type deviceSub struct {
	codec   *wire.Codec
	handler func(*wire.Message)
	onFatal func(error)
}

// Channel is the shared cloud relay connection for one account.
type Channel struct {
	account  *identity.Account
	cfg      config.CloudConfig
	clientID string
	creds    crypt.Credentials
	logger   zerolog.Logger
	capture  protolog.Logger

	client pahomqtt.Client

	mu        sync.RWMutex
	subs      map[string]*deviceSub
	connected bool

	onConnectivity func(up bool)
}

// Options configures the cloud channel.
type Options struct {
	Logger  zerolog.Logger
	Capture protolog.Logger

	// OnConnectivity observes broker connection state changes. Called
	// on every connect and loss, including automatic reconnects.
	OnConnectivity func(up bool)
}

// NewChannel prepares a cloud channel for an account. Credentials and
// the client id are derived deterministically; Connect establishes the
// broker connection.
func NewChannel(account *identity.Account, cfg config.CloudConfig, opts Options) (*Channel, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}
	if opts.Capture == nil {
		opts.Capture = protolog.NoopLogger{}
	}
	return &Channel{
		account:        account,
		cfg:            cfg,
		clientID:       uuid.NewString(),
		creds:          crypt.DeriveCredentials(account),
		logger:         opts.Logger.With().Str("channel", "cloud").Logger(),
		capture:        opts.Capture,
		subs:           make(map[string]*deviceSub),
		onConnectivity: opts.OnConnectivity,
	}, nil
}

// ClientID returns the broker client id used in topic names.
func (c *Channel) ClientID() string {
	return c.clientID
}

// Connect establishes the broker connection. Reconnection afterwards is
// automatic: the paho client redials with backoff and the channel
// restores every device subscription on each reconnect.
func (c *Channel) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(c.account.BrokerURL).
		SetClientID(c.clientID).
		SetUsername(c.creds.Username).
		SetPassword(c.creds.Password).
		SetKeepAlive(c.cfg.KeepAlive).
		SetAutoReconnect(true).
		SetCleanSession(true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectFailed, c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	// The OnConnect handler runs asynchronously; record the state now
	// so IsConnected is true as soon as Connect returns.
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func (c *Channel) handleConnect() {
	c.mu.Lock()
	c.connected = true
	duids := make([]string, 0, len(c.subs))
	for duid := range c.subs {
		duids = append(duids, duid)
	}
	c.mu.Unlock()

	// Restore every device subscription lost with the old connection.
	for _, duid := range duids {
		topic := SubscribeTopic(c.account.Namespace, c.clientID, duid)
		c.client.Subscribe(topic, c.cfg.QoS, c.makeHandler(duid))
	}
	c.logger.Info().Int("devices", len(duids)).Msg("broker connected")

	if c.onConnectivity != nil {
		c.onConnectivity(true)
	}
}

func (c *Channel) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("broker connection lost")
	if c.onConnectivity != nil {
		c.onConnectivity(false)
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Subscribe registers a device on the shared connection. The handler
// receives every decoded message from the device's inbound topic;
// onFatal is invoked when payloads stop decrypting, which indicates a
// stale local key. The returned function cancels the registration.
func (c *Channel) Subscribe(duid string, codec *wire.Codec, handler func(*wire.Message), onFatal func(error)) (func(), error) {
	c.mu.Lock()
	c.subs[duid] = &deviceSub{codec: codec, handler: handler, onFatal: onFatal}
	connected := c.connected
	c.mu.Unlock()

	if connected {
		topic := SubscribeTopic(c.account.Namespace, c.clientID, duid)
		token := c.client.Subscribe(topic, c.cfg.QoS, c.makeHandler(duid))
		if !token.WaitTimeout(c.cfg.ConnectTimeout) || token.Error() != nil {
			c.mu.Lock()
			delete(c.subs, duid)
			c.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", duid, ErrBrokerDisconnected)
		}
	}

	return func() { c.unsubscribe(duid) }, nil
}

func (c *Channel) unsubscribe(duid string) {
	c.mu.Lock()
	_, known := c.subs[duid]
	delete(c.subs, duid)
	connected := c.connected
	c.mu.Unlock()

	if known && connected && c.client != nil {
		c.client.Unsubscribe(SubscribeTopic(c.account.Namespace, c.clientID, duid))
	}
}

// makeHandler adapts a device registration to a paho message callback.
func (c *Channel) makeHandler(duid string) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		c.mu.RLock()
		sub := c.subs[duid]
		c.mu.RUnlock()
		if sub == nil {
			return
		}

		payload := m.Payload()
		c.capture.Log(protolog.FrameCapture(duid, protolog.ChannelCloud, protolog.DirectionIn, payload))

		// MQTT preserves message boundaries: one publish, one frame.
		msg, _, err := sub.codec.Decode(payload)
		if err != nil {
			if errors.Is(err, crypt.ErrDecryptFailure) {
				c.logger.Error().Str("duid", duid).Err(err).Msg("cloud payload decrypt failed")
				if sub.onFatal != nil {
					sub.onFatal(err)
				}
				return
			}
			// Corrupt frame; drop and keep the subscription alive.
			c.logger.Debug().Str("duid", duid).Err(err).Msg("dropped cloud frame")
			c.capture.Log(protolog.ErrorCapture(duid, protolog.ChannelCloud, err))
			return
		}
		sub.handler(msg)
	}
}

// Publish encodes and publishes one message on a device's outbound
// topic. Fails immediately when the broker connection is down.
func (c *Channel) Publish(duid string, msg *wire.Message) error {
	c.mu.RLock()
	sub := c.subs[duid]
	connected := c.connected
	c.mu.RUnlock()

	if sub == nil {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, duid)
	}
	if !connected || !c.client.IsConnected() {
		return ErrBrokerDisconnected
	}

	frame, err := sub.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	topic := PublishTopic(c.account.Namespace, c.clientID, duid)
	token := c.client.Publish(topic, c.cfg.QoS, false, frame)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("publish %s: %w", duid, ErrBrokerDisconnected)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", duid, err)
	}
	c.capture.Log(protolog.FrameCapture(duid, protolog.ChannelCloud, protolog.DirectionOut, frame))
	return nil
}

// Close disconnects from the broker and drops every registration.
func (c *Channel) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*deviceSub)
	c.connected = false
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}
