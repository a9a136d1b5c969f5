package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/model"
)

type fakeToken struct {
	err     error
	release <-chan struct{} // nil means already complete
}

func (t fakeToken) Wait() bool {
	if t.release != nil {
		<-t.release
	}
	return true
}

func (t fakeToken) WaitTimeout(d time.Duration) bool {
	if t.release == nil {
		return true
	}
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.release != nil {
		return t.release
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	err          error
	release      chan struct{}
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return fakeToken{err: c.err, release: c.release}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestPublisher_ReadEvent(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "tinkerforge", 1, nil)

	p.HandleReadEvent(model.NewPayloadEvent("XYZ", []byte("test"), 1))
	p.Close()

	messages := client.sent()
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Equal(t, "tinkerforge/XYZ/read", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, "payload", body["kind"])
	assert.Equal(t, "test", body["text"])
	assert.Equal(t, 4.0, body["length"])
}

func TestPublisher_DesyncAndError(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "rs232", 0, nil)

	p.HandleReadEvent(model.NewDesyncEvent("XYZ"))
	p.HandleErrorEvent(model.ErrorEvent{UID: "XYZ", Kind: model.ErrorKindOverrun})
	p.Close()

	messages := client.sent()
	require.Len(t, messages, 2)
	assert.Equal(t, "rs232/XYZ/read", messages[0].topic)
	assert.Contains(t, string(messages[0].payload), `"kind":"desync"`)
	assert.Equal(t, "rs232/XYZ/error", messages[1].topic)
	assert.Contains(t, string(messages[1].payload), `"kind":"overrun"`)
}

func TestPublisher_PublishErrorIsLogged(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := NewPublisher(client, "rs232", 0, nil)

	assert.NotPanics(t, func() { p.HandleReadEvent(model.NewPayloadEvent("XYZ", []byte("x"), 1)) })
	p.Close()
	p.Close()
	assert.True(t, client.disconnected)
}

func TestPublisher_StalledBrokerDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{release: release}
	p := NewPublisher(client, "rs232", 1, nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		p.HandleReadEvent(model.NewPayloadEvent("XYZ", []byte("test"), 1))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	p.Close()
	assert.Len(t, client.sent(), 5)
}

func TestPublisher_CloseGivesUpOnStalledBroker(t *testing.T) {
	client := &fakeClient{release: make(chan struct{})}
	p := NewPublisher(client, "rs232", 1, nil)
	p.writeTimeout = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		p.HandleReadEvent(model.NewPayloadEvent("XYZ", []byte("test"), 1))
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.True(t, client.disconnected)
}
