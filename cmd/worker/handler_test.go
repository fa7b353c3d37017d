package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/db"
	"github.com/suPer8Hu/mediation/internal/store/rabbitmq"
)

type flakySender struct {
	err  error
	sent []string
}

func (s *flakySender) Send(_ context.Context, tok chat.PushToken, job *chat.PushJob) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, job.ID+"->"+tok.Token)
	return nil
}

type retries struct {
	msgs   []rabbitmq.PushMessage
	delays []time.Duration
}

func (r *retries) PublishRetry(_ context.Context, m rabbitmq.PushMessage, delay time.Duration) error {
	r.msgs = append(r.msgs, m)
	r.delays = append(r.delays, delay)
	return nil
}

func newRepo(t *testing.T) *chat.Repo {
	t.Helper()
	gdb, err := db.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return chat.NewRepo(gdb)
}

func queueJob(t *testing.T, repo *chat.Repo, id string, userID uint64) {
	t.Helper()
	job := &chat.PushJob{ID: id, UserID: userID, SessionID: "s1", Title: "New reply", Body: "hi", Status: chat.PushQueued}
	if err := repo.CreatePushJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func jobStatus(t *testing.T, repo *chat.Repo, id string) chat.PushJobStatus {
	t.Helper()
	j, err := repo.GetPushJob(context.Background(), id)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	return j.Status
}

func TestHandle_DeliversToEveryDevice(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, tok := range []string{"a", "b"} {
		if err := repo.SavePushToken(ctx, &chat.PushToken{UserID: 7, Token: tok, Platform: "ios"}); err != nil {
			t.Fatalf("save token: %v", err)
		}
	}
	queueJob(t, repo, "job1", 7)

	s := &flakySender{}
	h := &jobHandler{repo: repo, sender: s, log: zerolog.Nop()}
	if err := h.handle(ctx, rabbitmq.PushMessage{JobID: "job1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", s.sent)
	}
	if st := jobStatus(t, repo, "job1"); st != chat.PushSent {
		t.Fatalf("expected sent, got %s", st)
	}

	// a redelivered message is a no-op
	if err := h.handle(ctx, rabbitmq.PushMessage{JobID: "job1"}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("redelivery sent again: %v", s.sent)
	}
}

func TestHandle_NoDevices(t *testing.T) {
	repo := newRepo(t)
	queueJob(t, repo, "job1", 7)
	h := &jobHandler{repo: repo, sender: &flakySender{}, log: zerolog.Nop()}

	if err := h.handle(context.Background(), rabbitmq.PushMessage{JobID: "job1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	j, _ := repo.GetPushJob(context.Background(), "job1")
	if j.Status != chat.PushFailed || j.Error == nil || *j.Error != errNoTokens.Error() {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestHandle_RetriesThenFails(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	if err := repo.SavePushToken(ctx, &chat.PushToken{UserID: 7, Token: "a", Platform: "android"}); err != nil {
		t.Fatalf("save token: %v", err)
	}
	queueJob(t, repo, "job1", 7)

	r := &retries{}
	h := &jobHandler{repo: repo, sender: &flakySender{err: errors.New("gateway down")}, retry: r, log: zerolog.Nop()}

	if err := h.handle(ctx, rabbitmq.PushMessage{JobID: "job1"}); err != nil {
		t.Fatalf("first attempt should be parked for retry: %v", err)
	}
	if len(r.msgs) != 1 || r.msgs[0].Attempt != 1 || r.delays[0] != 2*time.Second {
		t.Fatalf("unexpected retry: %+v %v", r.msgs, r.delays)
	}
	if st := jobStatus(t, repo, "job1"); st != chat.PushQueued {
		t.Fatalf("job must stay queued while retrying, got %s", st)
	}

	err := h.handle(ctx, rabbitmq.PushMessage{JobID: "job1", Attempt: maxAttempts - 1})
	if err == nil || !strings.Contains(err.Error(), "gateway down") {
		t.Fatalf("expected final failure, got %v", err)
	}
	if st := jobStatus(t, repo, "job1"); st != chat.PushFailed {
		t.Fatalf("expected failed, got %s", st)
	}
}

func TestHandle_UnknownJob(t *testing.T) {
	h := &jobHandler{repo: newRepo(t), sender: &flakySender{}, log: zerolog.Nop()}
	if err := h.handle(context.Background(), rabbitmq.PushMessage{JobID: "missing"}); err == nil {
		t.Fatalf("expected an error for a missing job")
	}
}

type acks struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		return errors.New("unexpected requeue")
	}
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *acks) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestConsume_AcksAndNacks(t *testing.T) {
	a := &acks{}
	msgs := make(chan amqp.Delivery, 3)
	msgs <- amqp.Delivery{Acknowledger: a, DeliveryTag: 1, Body: []byte(`{"job_id":"ok"}`)}
	msgs <- amqp.Delivery{Acknowledger: a, DeliveryTag: 2, Body: []byte(`{"job_id":"bad"}`)}
	msgs <- amqp.Delivery{Acknowledger: a, DeliveryTag: 3, Body: []byte(`not json`)}
	close(msgs)

	handle := func(_ context.Context, m rabbitmq.PushMessage) error {
		if m.JobID == "bad" {
			return errors.New("boom")
		}
		return nil
	}
	consume(context.Background(), msgs, 2, handle, zerolog.Nop())

	if len(a.acked) != 1 || a.acked[0] != 1 {
		t.Fatalf("unexpected acks: %v", a.acked)
	}
	if len(a.nacked) != 2 {
		t.Fatalf("unexpected nacks: %v", a.nacked)
	}
}
