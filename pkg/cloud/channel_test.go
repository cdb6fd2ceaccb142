package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/crypt"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

func testAccount() *identity.Account {
	return &identity.Account{
		UserID:    "user-1",
		MQTTKey:   "sekrit",
		Namespace: "ns1",
		BrokerURL: "ssl://broker.example:8883",
	}
}

func testDeviceCodec(t *testing.T) *wire.Codec {
	t.Helper()
	ctx, err := crypt.NewContext("abcdef0123456789")
	require.NoError(t, err)
	codec, err := wire.NewCodec(ctx, identity.VersionV1)
	require.NoError(t, err)
	return codec
}

func TestNewChannel_RejectsIncompleteAccount(t *testing.T) {
	_, err := NewChannel(&identity.Account{UserID: "u"}, config.Default().Cloud, Options{})
	assert.Error(t, err)
}

func TestNewChannel_UniqueClientID(t *testing.T) {
	a, err := NewChannel(testAccount(), config.Default().Cloud, Options{})
	require.NoError(t, err)
	b, err := NewChannel(testAccount(), config.Default().Cloud, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ClientID())
	assert.NotEqual(t, a.ClientID(), b.ClientID())
}

func TestPublish_BeforeSubscribe(t *testing.T) {
	c, err := NewChannel(testAccount(), config.Default().Cloud, Options{})
	require.NoError(t, err)

	err = c.Publish("dev-1", &wire.Message{Type: wire.MsgPingRequest, Seq: 1})
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestPublish_BeforeConnect(t *testing.T) {
	c, err := NewChannel(testAccount(), config.Default().Cloud, Options{})
	require.NoError(t, err)

	// Registration before the broker connection is up is allowed; the
	// subscription is established on connect.
	unsub, err := c.Subscribe("dev-1", testDeviceCodec(t), func(*wire.Message) {}, nil)
	require.NoError(t, err)
	defer unsub()

	err = c.Publish("dev-1", &wire.Message{Type: wire.MsgPingRequest, Seq: 1})
	assert.ErrorIs(t, err, ErrBrokerDisconnected)
	assert.False(t, c.IsConnected())
}

func TestUnsubscribe_RemovesRegistration(t *testing.T) {
	c, err := NewChannel(testAccount(), config.Default().Cloud, Options{})
	require.NoError(t, err)

	unsub, err := c.Subscribe("dev-1", testDeviceCodec(t), func(*wire.Message) {}, nil)
	require.NoError(t, err)
	unsub()

	err = c.Publish("dev-1", &wire.Message{Type: wire.MsgPingRequest, Seq: 1})
	assert.ErrorIs(t, err, ErrNotSubscribed)
}
