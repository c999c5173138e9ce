package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/notification"
)

var testNow = time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Name: "a", Schedule: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "a", Schedule: "*/5 * * * *", Run: noop}); err == nil {
		t.Error("expected duplicate job error")
	}
	if err := s.Add(Job{Name: "b", Schedule: "every tuesday", Run: noop}); err == nil {
		t.Error("expected bad schedule error")
	}
	if err := s.Add(Job{Name: "c"}); err == nil {
		t.Error("expected missing run function error")
	}
	if err := s.Add(Job{Name: "disabled", Run: noop}); err != nil {
		t.Errorf("empty schedule should disable, got %v", err)
	}
}

func TestScheduler_RunNowAndStatus(t *testing.T) {
	s := NewScheduler(time.UTC, zerolog.Nop())
	calls := 0
	s.Add(Job{Name: "ok", Schedule: "@hourly", Run: func(context.Context) error { calls++; return nil }})
	s.Add(Job{Name: "bad", Run: func(context.Context) error { return errors.New("db down") }})

	if err := s.RunNow(context.Background(), "ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Error("expected job error")
	}
	if err := s.RunNow(context.Background(), "ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}

	s.Start()
	defer s.Stop(context.Background())

	st := s.Statuses()
	if len(st) != 2 || st[0].Name != "bad" || st[1].Name != "ok" {
		t.Fatalf("statuses = %+v", st)
	}
	if st[0].LastErr != "db down" || st[0].Runs != 1 || !st[0].Next.IsZero() {
		t.Errorf("bad status = %+v", st[0])
	}
	if calls != 1 || st[1].Runs != 1 || st[1].LastErr != "" || st[1].Next.IsZero() {
		t.Errorf("ok status = %+v calls=%d", st[1], calls)
	}
}

func TestScheduler_StopWaits(t *testing.T) {
	s := NewScheduler(time.UTC, zerolog.Nop())
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func newService(t *testing.T) *scheduling.Service {
	t.Helper()
	return scheduling.NewService(scheduling.NewMemoryRepository(),
		scheduling.WithClock(func() time.Time { return testNow }))
}

func book(t *testing.T, svc *scheduling.Service, date, tm string, patient scheduling.PatientInfo) {
	t.Helper()
	d, _ := scheduling.ParseDate(date)
	if _, err := svc.PublishSlots(context.Background(), "d1", d, []string{tm}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Book(context.Background(), scheduling.BookingRequest{ProviderID: "d1", Date: d, Time: tm, Patient: patient})
	if err != nil || !res.Success {
		t.Fatalf("book: %+v %v", res, err)
	}
}

func TestReminders(t *testing.T) {
	svc := newService(t)
	book(t, svc, "2025-06-11", "09:00", scheduling.PatientInfo{ID: "p1", Name: "Ana", Email: "ana@portal.test", Phone: "+15550100"})
	book(t, svc, "2025-06-11", "10:00", scheduling.PatientInfo{ID: "p2"})
	book(t, svc, "2025-06-12", "09:00", scheduling.PatientInfo{ID: "p3", Email: "later@portal.test"})

	email := &notification.MockEmailSender{}
	sms := &notification.MockSMSSender{}
	n := notification.NewNotifier(email, sms, notification.NewTemplateEngine(), zerolog.Nop())

	job := Reminders("0 8 * * *", svc, n, zerolog.Nop())
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	ec := email.Calls()
	if len(ec) != 1 || ec[0].To != "ana@portal.test" || !strings.Contains(ec[0].Body, "2025-06-11 at 09:00") {
		t.Errorf("email calls = %+v", ec)
	}
	if sc := sms.Calls(); len(sc) != 1 || sc[0].To != "+15550100" {
		t.Errorf("sms calls = %+v", sc)
	}
}

func TestReminders_FailuresJoined(t *testing.T) {
	svc := newService(t)
	book(t, svc, "2025-06-11", "09:00", scheduling.PatientInfo{ID: "p1", Email: "a@portal.test"})
	book(t, svc, "2025-06-11", "10:00", scheduling.PatientInfo{ID: "p2", Email: "b@portal.test"})

	email := &notification.MockEmailSender{ShouldFail: true, FailError: "rejected"}
	n := notification.NewNotifier(email, &notification.MockSMSSender{}, notification.NewTemplateEngine(), zerolog.Nop())

	err := Reminders("", svc, n, zerolog.Nop()).Run(context.Background())
	if err == nil || strings.Count(err.Error(), "rejected") != 2 {
		t.Errorf("expected both failures reported, got %v", err)
	}
	if len(email.Calls()) != 2 {
		t.Errorf("batch stopped early: %d calls", len(email.Calls()))
	}
}

type fakeCompleter struct {
	n   int
	err error
}

func (f fakeCompleter) CompletePast(context.Context) (int, error) { return f.n, f.err }

func TestCompletionSweep(t *testing.T) {
	if err := CompletionSweep("@every 1m", fakeCompleter{n: 3}, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Error(err)
	}
	if err := CompletionSweep("@every 1m", fakeCompleter{err: errors.New("x")}, zerolog.Nop()).Run(context.Background()); err == nil {
		t.Error("expected error")
	}

	svc := newService(t)
	book(t, svc, "2025-06-10", "15:00", scheduling.PatientInfo{ID: "p1"})
	job := CompletionSweep("", svc, zerolog.Nop())
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	appts, _ := svc.ListByActor(context.Background(), "p1", scheduling.StatusCompleted, 10, 0)
	if len(appts) != 0 {
		t.Errorf("future appointment completed early: %+v", appts)
	}
}
