package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/pkg/types"
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
	topic    string
	retained bool
	payload  []byte
}

// fakeClient implements the publish side of mqtt.Client.
type fakeClient struct {
	mqtt.Client
	msgs []published
	err  error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func connectedEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(config.MQTTConfig{TopicPrefix: "netcam"})
	e.Client = client
	e.setConnected(true)
	return e
}

func TestPublishClip(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	rec := types.ClipRecord{Filename: "cam1.20240301_101500_000.avi", CameraIndex: 1, Quality: 98, FrameCount: 40}
	if err := e.PublishClip(rec); err != nil {
		t.Fatalf("PublishClip: %v", err)
	}

	if len(client.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.msgs))
	}
	msg := client.msgs[0]
	if msg.topic != "netcam/1/clips" || msg.retained {
		t.Fatalf("topic = %q retained = %v", msg.topic, msg.retained)
	}
	var got types.ClipRecord
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Filename != rec.Filename || got.Quality != 98 {
		t.Fatalf("payload = %+v", got)
	}
	if e.Stats().Published != 1 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestPublishStateIsRetained(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)
	if err := e.PublishState(StateEvent{CameraIndex: 0, State: "started"}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if msg := client.msgs[0]; msg.topic != "netcam/0/state" || !msg.retained {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestPublishErrorsAreCounted(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{TopicPrefix: "netcam"})
	if err := e.PublishClip(types.ClipRecord{}); err == nil {
		t.Fatal("publishing while disconnected should fail")
	}

	client := &fakeClient{err: errors.New("broker refused")}
	e = connectedEmitter(client)
	if err := e.PublishClip(types.ClipRecord{}); err == nil {
		t.Fatal("broker error should be returned")
	}
	if e.Stats().Errors != 1 {
		t.Fatalf("errors = %d, want 1", e.Stats().Errors)
	}
}
