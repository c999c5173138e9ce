package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/scheduling"
)

type delivery struct {
	connID string
	event  string
	data   any
}

// fakeNet is a Directory and a Pusher. Connections listed in full refuse
// delivery.
type fakeNet struct {
	mu    sync.Mutex
	conns map[string][]string
	full  map[string]bool
	sent  []delivery
}

func newFakeNet() *fakeNet {
	return &fakeNet{conns: make(map[string][]string), full: make(map[string]bool)}
}

func (f *fakeNet) connect(actorID string, connIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[actorID] = append(f.conns[actorID], connIDs...)
}

func (f *fakeNet) Lookup(actorID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conns[actorID]...)
}

func (f *fakeNet) SendTo(connID, event string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full[connID] {
		return false
	}
	f.sent = append(f.sent, delivery{connID, event, data})
	return true
}

func (f *fakeNet) events(connID string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery
	for _, d := range f.sent {
		if d.connID == connID {
			out = append(out, d)
		}
	}
	return out
}

type fakeAppointments map[string][2]string

func (f fakeAppointments) Parties(_ context.Context, id string) (string, string, error) {
	p, ok := f[id]
	if !ok {
		return "", "", scheduling.ErrAppointmentNotFound
	}
	return p[0], p[1], nil
}

var (
	apptID = uuid.MustParse("6f1c1d52-8a55-4b0e-9b77-8c7f2b1d0a01")
	appts  = fakeAppointments{apptID.String(): {"p1", "d1"}}
)

func newTestService(t *testing.T) (*Service, *fakeNet, *MemoryRepository) {
	t.Helper()
	net := newFakeNet()
	repo := NewMemoryRepository()
	svc := NewService(repo, NewFanout(net, net, zerolog.Nop()), appts, zerolog.Nop())
	return svc, net, repo
}

func TestFanout_Notify(t *testing.T) {
	net := newFakeNet()
	f := NewFanout(net, net, zerolog.Nop())
	net.connect("u1", "c1", "c2", "c3")
	net.full["c3"] = true

	if n := f.Notify(context.Background(), "u1", "ping", nil); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if n := f.Notify(context.Background(), "offline", "ping", nil); n != 0 {
		t.Errorf("offline actor delivered = %d", n)
	}
	if n := f.Notify(context.Background(), "", "ping", nil); n != 0 {
		t.Errorf("empty actor delivered = %d", n)
	}
}

func TestCreateNotification(t *testing.T) {
	svc, net, _ := newTestService(t)
	net.connect("d1", "c1")
	ctx := context.Background()

	n := &Notification{ActorID: "d1", Kind: KindAppointmentBooked, Message: "New booking", Data: json.RawMessage(`{"time":"09:00"}`)}
	delivered, err := svc.CreateNotification(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || n.ID == uuid.Nil || n.CreatedAt.IsZero() {
		t.Errorf("delivered=%d n=%+v", delivered, n)
	}
	if ev := net.events("c1"); len(ev) != 1 || ev[0].event != EventNewNotification {
		t.Errorf("events = %+v", ev)
	}

	// Offline actors still get the notification stored.
	delivered, err = svc.CreateNotification(ctx, &Notification{ActorID: "p1", Message: "hi"})
	if err != nil || delivered != 0 {
		t.Fatalf("offline: %d %v", delivered, err)
	}
	backlog, _ := svc.Backlog(ctx, "p1", "", false, 0, 0)
	if len(backlog) != 1 || backlog[0].Kind != KindSystem {
		t.Errorf("backlog = %+v", backlog)
	}

	if _, err := svc.CreateNotification(ctx, &Notification{Message: "x"}); !errors.Is(err, ErrMissingActorID) {
		t.Errorf("expected ErrMissingActorID, got %v", err)
	}
}

func TestBacklog_OrderEmailAndReadState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	for i, msg := range []string{"first", "second", "third"} {
		svc.CreateNotification(ctx, &Notification{ActorID: "p1", ActorEmail: "Ana@Portal.test", Message: msg, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	svc.CreateNotification(ctx, &Notification{ActorID: "p2", Message: "other"})

	got, err := svc.Backlog(ctx, "p1", "", false, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Message != "third" || got[1].Message != "second" {
		t.Errorf("newest first, got %v", messages(got))
	}

	byEmail, _ := svc.Backlog(ctx, "", "ana@portal.test", false, 0, 0)
	if len(byEmail) != 3 {
		t.Errorf("email lookup should be case-insensitive, got %d", len(byEmail))
	}

	n, err := svc.MarkRead(ctx, "p1", []uuid.UUID{got[0].ID})
	if err != nil || n != 1 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
	unread, _ := svc.Backlog(ctx, "p1", "", true, 0, 0)
	if len(unread) != 2 {
		t.Errorf("unread = %v", messages(unread))
	}
	if n, _ := svc.MarkRead(ctx, "p2", []uuid.UUID{got[1].ID}); n != 0 {
		t.Errorf("marking another actor's notification changed %d rows", n)
	}
	if n, _ := svc.MarkRead(ctx, "p1", nil); n != 2 {
		t.Errorf("mark all = %d, want 2", n)
	}

	if _, err := svc.Backlog(ctx, "", "", false, 0, 0); !errors.Is(err, ErrMissingActorID) {
		t.Errorf("expected ErrMissingActorID, got %v", err)
	}
	empty, _ := svc.Backlog(ctx, "nobody", "", false, 0, 0)
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil backlog, got %#v", empty)
	}
}

func messages(ns []*Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Message
	}
	return out
}

func TestRelayChatMessage(t *testing.T) {
	svc, net, repo := newTestService(t)
	net.connect("d1", "cd1", "cd2")
	ctx := context.Background()

	msg := &ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "d1", Text: "hello doctor"}
	n, err := svc.RelayChatMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || msg.Kind != MessageText || msg.SentAt.IsZero() {
		t.Errorf("n=%d msg=%+v", n, msg)
	}
	ev := net.events("cd2")
	if len(ev) != 1 || ev[0].event != EventReceive {
		t.Fatalf("recipient events = %+v", ev)
	}
	if r := ev[0].data.(Received); r.Type != "msgReceive" || r.Data.Text != "hello doctor" {
		t.Errorf("receive payload = %+v", r)
	}

	// Recipient offline: stored, not delivered.
	n, err = svc.RelayChatMessage(ctx, &ChatMessage{AppointmentID: apptID, SenderID: "d1", RecipientID: "p1",
		File: &FileRef{Ref: "s3://bucket/x.pdf", Name: "x.pdf", Size: 2048, MimeType: "application/pdf"}})
	if err != nil || n != 0 {
		t.Fatalf("offline relay: %d %v", n, err)
	}
	stored, _ := repo.ListMessages(ctx, apptID, 0, 0)
	if len(stored) != 2 || stored[1].Kind != MessageFile || stored[1].File.Name != "x.pdf" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestRelayChatMessage_Rejections(t *testing.T) {
	svc, net, repo := newTestService(t)
	net.connect("d1", "cd1")
	net.connect("x9", "cx9")
	ctx := context.Background()

	tests := []struct {
		name string
		msg  ChatMessage
		want error
	}{
		{"stranger sender", ChatMessage{AppointmentID: apptID, SenderID: "x9", RecipientID: "d1", Text: "hi"}, ErrNotParticipant},
		{"stranger recipient", ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "x9", Text: "hi"}, ErrNotParticipant},
		{"self", ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "p1", Text: "hi"}, ErrNotParticipant},
		{"unknown appointment", ChatMessage{AppointmentID: uuid.New(), SenderID: "p1", RecipientID: "d1", Text: "hi"}, ErrNotParticipant},
		{"empty", ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "d1", Text: "   "}, ErrEmptyMessage},
		{"bad file", ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "d1", File: &FileRef{Ref: "r", Name: "a"}}, ErrInvalidFile},
		{"no appointment", ChatMessage{SenderID: "p1", RecipientID: "d1", Text: "hi"}, ErrMissingAppointment},
		{"no recipient", ChatMessage{AppointmentID: apptID, SenderID: "p1", Text: "hi"}, ErrMissingActorID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			if _, err := svc.RelayChatMessage(ctx, &msg); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if stored, _ := repo.ListMessages(ctx, apptID, 0, 0); len(stored) != 0 {
		t.Errorf("rejected messages were stored: %+v", stored)
	}
	if len(net.events("cd1"))+len(net.events("cx9")) != 0 {
		t.Error("rejected messages were delivered")
	}
}

type brokenAppointments struct{}

func (brokenAppointments) Parties(context.Context, string) (string, string, error) {
	return "", "", errors.New("connection reset")
}

func TestRelayChatMessage_LookupFailure(t *testing.T) {
	net := newFakeNet()
	svc := NewService(NewMemoryRepository(), NewFanout(net, net, zerolog.Nop()), brokenAppointments{}, zerolog.Nop())
	_, err := svc.RelayChatMessage(context.Background(), &ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "d1", Text: "hi"})
	if err == nil || errors.Is(err, ErrNotParticipant) {
		t.Errorf("store failures must not read as rejections, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := svc.RelayChatMessage(ctx, &ChatMessage{AppointmentID: apptID, SenderID: "p1", RecipientID: "d1", Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.History(ctx, apptID, "d1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Text != "one" || got[2].Text != "three" {
		t.Errorf("history = %+v", got)
	}
	if page, _ := svc.History(ctx, apptID, "p1", 2, 1); len(page) != 2 || page[0].Text != "two" {
		t.Errorf("page = %+v", page)
	}
	if _, err := svc.History(ctx, apptID, "x9", 0, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.History(ctx, uuid.New(), "p1", 0, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant for unknown appointment, got %v", err)
	}
}

func TestAlert(t *testing.T) {
	svc, net, repo := newTestService(t)
	net.connect("p1", "c1")
	if n := svc.Alert(context.Background(), "p1", "appointment_cancelled", map[string]string{"appointmentId": apptID.String()}); n != 1 {
		t.Errorf("delivered = %d", n)
	}
	if ev := net.events("c1"); len(ev) != 1 || ev[0].event != EventUserAlert {
		t.Errorf("events = %+v", ev)
	}
	if stored, _ := repo.ListNotifications(context.Background(), NotificationQuery{ActorID: "p1"}); len(stored) != 0 {
		t.Error("alerts must not be stored")
	}
}
