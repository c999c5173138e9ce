package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode("register", map[string]string{"actorId": "u-1"}, "r1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != "register" || env.Ref != "r1" {
		t.Errorf("unexpected envelope %+v", env)
	}

	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected error for missing event")
	}
	if _, err := Decode([]byte(`nope`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func newTestDispatcher() (*Hub, *Dispatcher, *Client) {
	hub := NewHub(zerolog.Nop())
	d := NewDispatcher(hub, zerolog.Nop())
	c := NewClient("c", Identity{}, 8)
	hub.Register(c)
	return hub, d, c
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	hub, d, c := newTestDispatcher()
	var got string
	d.Handle("ping", func(ctx context.Context, client *Client, msg Envelope) error {
		var body struct{ Value string }
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			return Reject(err)
		}
		got = body.Value
		hub.Reply(client, "pong", nil, msg.Ref)
		return nil
	})

	d.Dispatch(context.Background(), c, []byte(`{"event":"ping","data":{"Value":"x"},"ref":"9"}`))
	if got != "x" {
		t.Errorf("handler saw %q", got)
	}
	if env := readFrame(t, c); env.Event != "pong" || env.Ref != "9" {
		t.Errorf("unexpected reply %+v", env)
	}
}

func TestDispatcher_UnknownEvent(t *testing.T) {
	_, d, c := newTestDispatcher()
	d.Dispatch(context.Background(), c, []byte(`{"event":"nope","ref":"1"}`))

	env := readFrame(t, c)
	if env.Event != EventError || env.Ref != "1" {
		t.Fatalf("expected error reply, got %+v", env)
	}
	var p ErrorPayload
	json.Unmarshal(env.Data, &p)
	if p.Event != "nope" || p.Message != "unknown event" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestDispatcher_MalformedFrame(t *testing.T) {
	_, d, c := newTestDispatcher()
	d.Dispatch(context.Background(), c, []byte(`{{`))
	if env := readFrame(t, c); env.Event != EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}
}

func TestDispatcher_RejectionVersusInternalError(t *testing.T) {
	_, d, c := newTestDispatcher()
	d.Handle("bad", func(context.Context, *Client, Envelope) error {
		return Reject(errors.New("actorId is required"))
	})
	d.Handle("boom", func(context.Context, *Client, Envelope) error {
		return errors.New("connection refused to 10.0.0.1")
	})

	d.Dispatch(context.Background(), c, []byte(`{"event":"bad"}`))
	var p ErrorPayload
	json.Unmarshal(readFrame(t, c).Data, &p)
	if p.Message != "actorId is required" {
		t.Errorf("rejection message should be visible, got %q", p.Message)
	}

	d.Dispatch(context.Background(), c, []byte(`{"event":"boom"}`))
	json.Unmarshal(readFrame(t, c).Data, &p)
	if p.Message != "internal error" {
		t.Errorf("internal error should be masked, got %q", p.Message)
	}
}

func TestDispatcher_MiddlewareOrder(t *testing.T) {
	_, d, c := newTestDispatcher()
	var trace []string
	mw := func(name string) Middleware {
		return func(event string, next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, client *Client, msg Envelope) error {
				trace = append(trace, name+":"+event)
				return next(ctx, client, msg)
			}
		}
	}
	d.Use(mw("outer"), mw("inner"))
	d.Handle("e", func(context.Context, *Client, Envelope) error {
		trace = append(trace, "handler")
		return nil
	})

	d.Dispatch(context.Background(), c, []byte(`{"event":"e"}`))
	want := []string{"outer:e", "inner:e", "handler"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestDispatcher_DuplicateHandlerPanics(t *testing.T) {
	_, d, _ := newTestDispatcher()
	d.Handle("x", func(context.Context, *Client, Envelope) error { return nil })
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate handler")
		}
	}()
	d.Handle("x", func(context.Context, *Client, Envelope) error { return nil })
}

func TestDispatcher_Events(t *testing.T) {
	_, d, _ := newTestDispatcher()
	d.Handle("b", func(context.Context, *Client, Envelope) error { return nil })
	d.Handle("a", func(context.Context, *Client, Envelope) error { return nil })
	ev := d.Events()
	if len(ev) != 2 || ev[0] != "a" || ev[1] != "b" {
		t.Errorf("Events() = %v", ev)
	}
}
