package portalclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/pkg/actor"
	"github.com/careportal/careportal/pkg/session"
)

type fakeServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 8), headers: make(chan http.Header, 8)}
	up := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.headers <- r.Header
		fs.conns <- conn
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws"
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}
	return nil
}

func readEnv(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func writeEnv(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(Envelope{Event: event, Data: raw})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// handshake consumes the three events every connection starts with.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for _, want := range []string{EventRegister, EventFetchBlockStatus, EventFetchNotifications} {
		if env := readEnv(t, conn); env.Event != want {
			t.Fatalf("expected %s, got %s", want, env.Event)
		}
	}
}

var patient = actor.Actor{ID: "p1", Role: actor.RoleUser, Email: "p1@portal.test", Name: "Pat"}

func newTestClient(t *testing.T, fs *fakeServer, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:        fs.wsURL(),
		Token:      "tok-123",
		Actor:      patient,
		Path:       "/appointments",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func runAsync(ctx context.Context, c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Actor: patient}); err == nil {
		t.Error("expected missing URL to fail")
	}
	if _, err := New(Options{URL: "ws://x", Actor: actor.Actor{ID: "p1"}}); !errors.Is(err, actor.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestRun_RegistersOnEveryConnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	conn := fs.accept(t)
	if got := (<-fs.headers).Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}
	reg := readEnv(t, conn)
	var body map[string]string
	json.Unmarshal(reg.Data, &body)
	if reg.Event != EventRegister || body["actorId"] != "p1" || body["role"] != "user" || body["email"] != "p1@portal.test" {
		t.Fatalf("unexpected register %s %s", reg.Event, reg.Data)
	}
	if env := readEnv(t, conn); env.Event != EventFetchBlockStatus {
		t.Fatalf("expected fetchBlockStatus, got %s", env.Event)
	}
	if env := readEnv(t, conn); env.Event != EventFetchNotifications {
		t.Fatalf("expected fetchNotifications, got %s", env.Event)
	}

	// Drop the connection; the client must come back and repeat the handshake.
	conn.Close()
	second := fs.accept(t)
	handshake(t, second)

	cancel()
	if err := waitErr(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c.Connected() {
		t.Error("client should be disconnected after Run returns")
	}
}

func TestRun_BlockedStatusLogsOut(t *testing.T) {
	fs := newFakeServer(t)
	var (
		mu        sync.Mutex
		decisions []session.Decision
	)
	c := newTestClient(t, fs, func(o *Options) {
		o.OnLogout = func(d session.Decision) {
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
		}
	})
	done := runAsync(context.Background(), c)
	conn := fs.accept(t)
	handshake(t, conn)

	writeEnv(t, conn, EventUserStatusUpdated, map[string]any{"userId": "someone-else", "isBlocked": true})
	writeEnv(t, conn, EventUserStatusUpdated, map[string]any{"userId": "p1", "isBlocked": false})
	writeEnv(t, conn, EventUserStatusUpdated, map[string]any{"userId": "p1", "isBlocked": true})

	if err := waitErr(t, done); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 1 {
		t.Fatalf("expected one logout, got %d", len(decisions))
	}
	d := decisions[0]
	if d.State != session.StateBlockedRedirect || d.Redirect != "/blocked" || d.Message != session.MessageBlocked {
		t.Errorf("unexpected decision %+v", d)
	}
	if c.Guard().State() != session.StateBlockedRedirect {
		t.Errorf("guard state = %s", c.Guard().State())
	}
}

func TestRun_InviteAutoExpiry(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, func(o *Options) { o.InviteTimeout = 30 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, c)
	conn := fs.accept(t)
	handshake(t, conn)

	writeEnv(t, conn, EventIncomingConsultation, map[string]any{"data": map[string]string{
		"appointmentId": "a-1", "roomId": "a-1", "doctorId": "d1", "patientId": "p1",
	}})

	env := readEnv(t, conn)
	if env.Event != EventAppointmentCancelled {
		t.Fatalf("expected AppointmentCancelled, got %s", env.Event)
	}
	var body struct {
		AppointmentInfo Invite `json:"AppointmentInfo"`
	}
	json.Unmarshal(env.Data, &body)
	if body.AppointmentInfo.AppointmentID != "a-1" || body.AppointmentInfo.DoctorID != "d1" {
		t.Errorf("unexpected expiry payload %s", env.Data)
	}
	if len(c.PendingInvites()) != 0 {
		t.Error("expired invite should be forgotten")
	}

	cancel()
	waitErr(t, done)
}

func TestRun_AcceptBeforeExpiry(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, func(o *Options) { o.InviteTimeout = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invites := make(chan struct{}, 1)
	c.On(EventIncomingConsultation, func(json.RawMessage) { invites <- struct{}{} })
	done := runAsync(ctx, c)
	conn := fs.accept(t)
	handshake(t, conn)

	writeEnv(t, conn, EventIncomingConsultation, map[string]any{"data": map[string]string{"appointmentId": "a-2", "doctorId": "d1"}})
	select {
	case <-invites:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	if err := c.AcceptInvite("a-2"); err != nil {
		t.Fatal(err)
	}
	env := readEnv(t, conn)
	if env.Event != EventAcceptConsultation || !strings.Contains(string(env.Data), `"a-2"`) {
		t.Errorf("unexpected frame %s %s", env.Event, env.Data)
	}
	if err := c.AcceptInvite("a-2"); !errors.Is(err, ErrNoInvite) {
		t.Errorf("second accept: expected ErrNoInvite, got %v", err)
	}

	cancel()
	waitErr(t, done)
}

func TestRun_ConsultationCancelledClearsInvite(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, func(o *Options) { o.InviteTimeout = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelled := make(chan struct{}, 1)
	c.On(EventConsultationCancelled, func(json.RawMessage) { cancelled <- struct{}{} })
	done := runAsync(ctx, c)
	conn := fs.accept(t)
	handshake(t, conn)

	writeEnv(t, conn, EventIncomingConsultation, map[string]any{"data": map[string]string{"appointmentId": "a-3"}})
	writeEnv(t, conn, EventConsultationCancelled, map[string]string{"appointmentId": "a-3", "reason": "timeout"})
	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	if len(c.PendingInvites()) != 0 {
		t.Error("server-side cancel should clear the invite")
	}
	if err := c.DeclineInvite("a-3"); !errors.Is(err, ErrNoInvite) {
		t.Errorf("expected ErrNoInvite, got %v", err)
	}

	cancel()
	waitErr(t, done)
}

func TestSend_NotConnected(t *testing.T) {
	c, err := New(Options{URL: "ws://127.0.0.1:1/ws", Actor: patient})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendMessage("a-1", "d1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if d := c.Navigate("/admin/users"); d.State != session.StateAuthRedirect || d.Message != session.MessageAdminOnly {
		t.Errorf("patient on an admin route: %+v", d)
	}
}
