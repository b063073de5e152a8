package mirror

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roverlink/log2"
)

type mockPub struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type mqttMock struct {
	sync.Mutex
	connected    bool
	connectErr   error
	failConnects int
	connects     int
	publishToken mqtt.Token
	pubs         []mockPub
	disconnected bool
}

func (self *mqttMock) IsConnected() bool {
	self.Lock()
	defer self.Unlock()
	return self.connected
}
func (self *mqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *mqttMock) Connect() mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.connects++
	if self.failConnects > 0 {
		self.failConnects--
		return mockToken{err: fmt.Errorf("connection refused")}
	}
	self.connected = self.connectErr == nil
	return mockToken{err: self.connectErr}
}

func (self *mqttMock) Disconnect(uint) {
	self.Lock()
	defer self.Unlock()
	self.connected = false
	self.disconnected = true
}

func (self *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.pubs = append(self.pubs, mockPub{topic, qos, retain, payload.([]byte)})
	if self.publishToken != nil {
		return self.publishToken
	}
	return mockToken{}
}

func (self *mqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) Unsubscribe(...string) mqtt.Token        { panic("not implemented") }
func (self *mqttMock) AddRoute(string, mqtt.MessageHandler)    { panic("not implemented") }
func (self *mqttMock) OptionsReader() mqtt.ClientOptionsReader { panic("not implemented") }

type mockToken struct {
	err     error
	timeout bool
}

func (tok mockToken) Error() error                   { return tok.err }
func (tok mockToken) Wait() bool                     { return !tok.timeout }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !tok.timeout }

func TestMQTTPublish(t *testing.T) {
	t.Parallel()
	mock := &mqttMock{}
	p := newMQTT(mock, MQTTOptions{Log: log2.NewTest(t, log2.LDebug), QoS: 1, Timeout: time.Second})

	err := p.Publish("r/in/generic", []byte("0 0 42"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	require.NoError(t, p.Connect())
	require.NoError(t, p.Publish("r/in/generic", []byte("0 0 42")))
	assert.Equal(t, []mockPub{{"r/in/generic", 1, false, []byte("0 0 42")}}, mock.pubs)

	p.Close()
	assert.True(t, mock.disconnected)
}

func TestMQTTTokenErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		token mockToken
		check func(t testing.TB, err error)
	}{
		{"error", mockToken{err: fmt.Errorf("not authorized")}, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), "publish t: not authorized")
		}},
		{"timeout", mockToken{timeout: true}, func(t testing.TB, err error) {
			assert.True(t, errors.IsTimeout(err), err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			mock := &mqttMock{connected: true, publishToken: c.token}
			p := newMQTT(mock, MQTTOptions{Timeout: time.Second})
			err := p.Publish("t", []byte("x"))
			require.Error(t, err)
			c.check(t, err)
		})
	}
}

func TestMQTTConnectError(t *testing.T) {
	t.Parallel()
	mock := &mqttMock{connectErr: fmt.Errorf("refused")}
	p := newMQTT(mock, MQTTOptions{Broker: "tcp://broker:1883", Timeout: time.Second})
	err := p.Connect()
	require.Error(t, err)
	assert.Equal(t, "connect tcp://broker:1883: refused", err.Error())
}

func TestMQTTOnline(t *testing.T) {
	t.Parallel()
	mock := &mqttMock{failConnects: 2}
	p := newMQTT(mock, MQTTOptions{Broker: "tcp://broker:1883", Timeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Online(ctx))
	assert.Equal(t, 3, mock.connects)
	assert.True(t, mock.IsConnected())
}

func TestMQTTOnlineCancel(t *testing.T) {
	t.Parallel()
	mock := &mqttMock{connectErr: fmt.Errorf("refused")}
	p := newMQTT(mock, MQTTOptions{Broker: "tcp://broker:1883", Timeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, p.Online(ctx))
	assert.False(t, mock.IsConnected())
}

func TestNewMQTTValidation(t *testing.T) {
	t.Parallel()
	_, err := NewMQTT(MQTTOptions{})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewMQTT(MQTTOptions{Broker: "tcp://localhost:1883", QoS: 3})
	assert.True(t, errors.IsNotValid(err))
	p, err := NewMQTT(MQTTOptions{Broker: "tcp://localhost:1883", ClientID: "test"})
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, p.opt.Timeout)
}
