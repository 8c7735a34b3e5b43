package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"xaprsd/aprs"
	"xaprsd/hub"
	"xaprsd/xaprs"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	connectErr   error
	publishErr   error
	connected    bool
	disconnected bool
	out          chan published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{out: make(chan published, 16)}
}

func (b *fakeBroker) Connect() mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = b.connectErr == nil
	return doneToken{err: b.connectErr}
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.disconnected = true
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	if b.publishErr != nil {
		return doneToken{err: b.publishErr}
	}
	b.out <- published{topic: topic, payload: payload.([]byte)}
	return doneToken{}
}

func buildMessage(t *testing.T, line string, seq uint64) *xaprs.Message {
	t.Helper()
	rec, err := aprs.Parse(line, aprs.PositionStandard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, err := xaprs.Build(rec, []byte(line), seq)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return msg
}

func TestEncodePayload(t *testing.T) {
	msg := buildMessage(t, "N0CALL>APDR16,TCPIP*:!4903.50N/07201.75W-Test", 7)
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got Payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "aprs-f007" || got.Seq != 7 || got.From != "N0CALL" || got.To != "APDR16" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Version != 16 || got.Body != "Test" || got.Path != "TCPIP*" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Lat == nil || got.Lon == nil || *got.Lat < 49.05 || *got.Lon > -72.0 {
		t.Fatalf("unexpected position %v %v", got.Lat, got.Lon)
	}
	if got.Legacy != "N0CALL>APDR16,TCPIP*:!4903.50N/07201.75W-Test" || got.LegacyBase64 {
		t.Fatalf("unexpected legacy %q (base64=%v)", got.Legacy, got.LegacyBase64)
	}
}

func TestEncodeOmitsMissingPosition(t *testing.T) {
	msg := buildMessage(t, "N0CALL>APRS,TCPIP*:>status", 0)
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["lat"]; ok {
		t.Fatalf("lat must be omitted without a position: %s", raw)
	}
}

func TestPublisherMirrorsHubMessages(t *testing.T) {
	h := hub.New(hub.DefaultCapacity)
	b := newFakeBroker()
	p := newPublisher(Options{Broker: "localhost", Topic: "test/feed"}, h, b)
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	task := p.Start(context.Background())
	if h.Len() != 1 {
		t.Fatalf("publisher should be registered, hub has %d", h.Len())
	}

	h.Broadcast(buildMessage(t, "A1A>APRS,TCPIP*:>one", 0))
	h.Broadcast(buildMessage(t, "B2B>APRS,TCPIP*:>two", 1))
	for _, want := range []string{"aprs-f000", "aprs-f001"} {
		select {
		case got := <-b.out:
			var payload Payload
			if err := json.Unmarshal(got.payload, &payload); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.topic != "test/feed" || payload.ID != want {
				t.Fatalf("expected %s on test/feed, got %s on %s", want, payload.ID, got.topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	p.Cancel()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
	if err := task.Err(); err != nil {
		t.Fatalf("unexpected task error: %v", err)
	}
	if h.Len() != 0 {
		t.Fatal("publisher should unregister on stop")
	}
	if p.Published() != 2 {
		t.Fatalf("expected 2 published, got %d", p.Published())
	}
	p.Close()
	if !b.disconnected {
		t.Fatal("Close should disconnect a connected client")
	}
}

func TestPublisherCountsFailures(t *testing.T) {
	h := hub.New(hub.DefaultCapacity)
	b := newFakeBroker()
	b.publishErr = errors.New("not connected")
	p := newPublisher(Options{Broker: "localhost"}, h, b)
	ctx, cancel := context.WithCancel(context.Background())
	task := p.Start(ctx)

	h.Broadcast(buildMessage(t, "A1A>APRS,TCPIP*:>one", 0))
	deadline := time.After(2 * time.Second)
	for p.Failed() == 0 {
		select {
		case <-deadline:
			t.Fatal("failure was never counted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := task.Wait(); err != nil {
		t.Fatalf("unexpected task error: %v", err)
	}
	if p.Published() != 0 {
		t.Fatalf("expected nothing published, got %d", p.Published())
	}
}

func TestConnectError(t *testing.T) {
	b := newFakeBroker()
	b.connectErr = errors.New("refused")
	p := newPublisher(Options{Broker: "localhost"}, hub.New(1), b)
	if err := p.Connect(); err == nil {
		t.Fatal("expected connect error")
	}
	if p.String() != "mqtt/"+DefaultTopic {
		t.Fatalf("unexpected name %q", p.String())
	}
}
