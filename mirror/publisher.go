// Package mirror republishes the relayed feed to an MQTT broker.
//
// A Publisher is one more hub subscriber: it gets the same bounded queue and
// the same drop policy as a TCP session, so a slow broker never stalls the
// upstream reader. Each message is published once as JSON at QoS 0.
package mirror

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"xaprsd/hub"
	"xaprsd/xaprs"
)

const (
	DefaultPort           = 1883
	DefaultTopic          = "xaprs/messages"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures the broker connection.
type Options struct {
	Broker   string
	Port     int
	Topic    string
	ClientID string
}

// Payload is the JSON document published per message.
type Payload struct {
	ID           string   `json:"id"`
	Seq          uint64   `json:"seq"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Path         string   `json:"path,omitempty"`
	Version      int      `json:"version"`
	Body         string   `json:"body,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Legacy       string   `json:"legacy"`
	LegacyBase64 bool     `json:"legacy_base64,omitempty"`
}

// Encode renders msg as a Payload document.
func Encode(msg *xaprs.Message) ([]byte, error) {
	p := Payload{
		ID:           msg.ID,
		Seq:          msg.Seq,
		From:         msg.From,
		To:           msg.To,
		Path:         msg.Path,
		Version:      msg.Version,
		Body:         msg.Body,
		Legacy:       msg.Legacy.Text,
		LegacyBase64: msg.Legacy.Base64,
	}
	if msg.GeoLoc != nil {
		lat, lon := msg.GeoLoc.Lat, msg.GeoLoc.Lon
		p.Lat, p.Lon = &lat, &lon
	}
	return json.Marshal(&p)
}

// broker is the part of mqtt.Client the publisher uses.
type broker interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher drains one hub queue into the broker.
type Publisher struct {
	opts   Options
	client broker
	hub    *hub.Hub

	ctx    context.Context
	cancel context.CancelFunc
	task   *hub.Task

	published atomic.Uint64
	failed    atomic.Uint64
	failLog   rate.Sometimes
}

// New builds a Publisher backed by a paho client with auto-reconnect.
func New(opts Options, h *hub.Hub) *Publisher {
	opts = normalizeOptions(opts)
	clientOpts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)
	clientOpts.AddBroker(brokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetConnectTimeout(defaultConnectTimeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(time.Minute)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT mirror: connected to %s, publishing to %s", brokerURL, opts.Topic)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT mirror: connection lost: %v (will reconnect)", err)
	})
	return newPublisher(opts, h, mqtt.NewClient(clientOpts))
}

func newPublisher(opts Options, h *hub.Hub, client broker) *Publisher {
	return &Publisher{
		opts:    normalizeOptions(opts),
		client:  client,
		hub:     h,
		failLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("xaprsd-%d", time.Now().Unix())
	}
	return opts
}

// Connect dials the broker once. Later disconnects are retried by paho.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("mqtt mirror: connect to %s timed out", p.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt mirror: connect to %s: %w", p.opts.Broker, err)
	}
	return nil
}

// Start registers with the hub and begins publishing until Cancel or parent
// ends. The returned task finishes after the publisher has unregistered.
func (p *Publisher) Start(parent context.Context) *hub.Task {
	p.ctx, p.cancel = context.WithCancel(parent)
	queue := p.hub.Register(p)
	p.task = hub.Go("mqtt mirror", func() error {
		defer p.hub.Unregister(p)
		for {
			select {
			case <-p.ctx.Done():
				return nil
			case msg := <-queue:
				p.publish(msg)
			}
		}
	})
	return p.task
}

func (p *Publisher) publish(msg *xaprs.Message) {
	payload, err := Encode(msg)
	if err != nil {
		p.fail(msg, err)
		return
	}
	token := p.client.Publish(p.opts.Topic, 0, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		p.fail(msg, fmt.Errorf("publish timed out"))
		return
	}
	if err := token.Error(); err != nil {
		p.fail(msg, err)
		return
	}
	p.published.Add(1)
}

func (p *Publisher) fail(msg *xaprs.Message, err error) {
	p.failed.Add(1)
	p.failLog.Do(func() {
		log.Printf("MQTT mirror: failed to publish %s: %v", msg.ID, err)
	})
}

// Cancel stops the publishing loop. It never blocks.
func (p *Publisher) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Publisher) String() string {
	return "mqtt/" + p.opts.Topic
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) Published() uint64 { return p.published.Load() }
func (p *Publisher) Failed() uint64    { return p.failed.Load() }

// Connected reports whether the broker session is currently up.
func (p *Publisher) Connected() bool { return p.client.IsConnected() }
