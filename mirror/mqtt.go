package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/roverlink/log2"
)

const defaultTimeout = 10 * time.Second

var onlineDelay = 1 * time.Second

var setLoggersOnce sync.Once

type MQTTOptions struct {
	Log      *log2.Log
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
	QoS      byte
	Retain   bool
	LogDebug bool
}

// MQTT is Publisher on paho client with auto reconnect.
type MQTT struct {
	log *log2.Log
	c   mqtt.Client
	opt MQTTOptions
}

func NewMQTT(opt MQTTOptions) (*MQTT, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mirror broker empty")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.QoS > 2 {
		return nil, errors.NotValidf("mirror qos=%d", opt.QoS)
	}
	setLoggersOnce.Do(func() {
		mqttLog := opt.Log.Clone(log2.LDebug)
		mqttLog.SetPrefix("mirror.mqtt: ")
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if opt.LogDebug {
			mqtt.DEBUG = mqttLog
		}
	})

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetConnectTimeout(opt.Timeout).
		SetKeepAlive(opt.Timeout * 3).
		SetMaxReconnectInterval(opt.Timeout * 3).
		SetOrderMatters(false).
		SetPingTimeout(opt.Timeout).
		SetWriteTimeout(opt.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			opt.Log.Errorf("mirror: broker connection lost: %v", err)
		})
	return newMQTT(mqtt.NewClient(mopt), opt), nil
}

func newMQTT(c mqtt.Client, opt MQTTOptions) *MQTT {
	return &MQTT{log: opt.Log, c: c, opt: opt}
}

// Connect waits for first broker connection, then paho reconnects on its own.
func (self *MQTT) Connect() error {
	return self.tokenWait(self.c.Connect(), "connect "+self.opt.Broker)
}

// Online retries first connection until success or ctx done.
func (self *MQTT) Online(ctx context.Context) error {
	return retry.Do(self.Connect,
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(onlineDelay),
		retry.MaxDelay(self.opt.Timeout),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			self.log.Errorf("mirror: connect attempt=%d: %v", n+1, err)
		}),
	)
}

func (self *MQTT) Publish(topic string, payload []byte) error {
	if !self.c.IsConnected() {
		return errors.Errorf("publish topic=%s: broker not connected", topic)
	}
	return self.tokenWait(self.c.Publish(topic, self.opt.QoS, self.opt.Retain, payload), "publish "+topic)
}

func (self *MQTT) Close() {
	self.c.Disconnect(uint(self.opt.Timeout / time.Millisecond))
}

func (self *MQTT) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.opt.Timeout) {
		return errors.Timeoutf("%s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}
