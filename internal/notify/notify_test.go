package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"folio/api/internal/collab"
	"folio/api/internal/email"
	"folio/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.Notification
	mailed   []string
	insertFn func(store.Notification) error
	purgeFn  func(time.Time) (int64, error)
	prefs    map[string]store.NotificationSettings
	prefsErr error
}

func (f *fakeStore) NotificationSettings(_ context.Context, userID string) (store.NotificationSettings, error) {
	if f.prefsErr != nil {
		return store.NotificationSettings{}, f.prefsErr
	}
	if settings, ok := f.prefs[userID]; ok {
		return settings, nil
	}
	return store.DefaultNotificationSettings(), nil
}

func (f *fakeStore) InsertNotification(_ context.Context, item store.Notification) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFn != nil {
		if err := f.insertFn(item); err != nil {
			return store.Notification{}, err
		}
	}
	item.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.inserted = append(f.inserted, item)
	return item, nil
}

func (f *fakeStore) MarkNotificationEmailSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailed = append(f.mailed, id)
	return nil
}

func (f *fakeStore) PurgeNotifications(_ context.Context, before time.Time) (int64, error) {
	if f.purgeFn != nil {
		return f.purgeFn(before)
	}
	return 0, nil
}

func (f *fakeStore) mailedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mailed...)
}

type pushed struct {
	user  string
	event string
	data  any
}

type fakeEmitter struct {
	pushes []pushed
	err    error
}

func (f *fakeEmitter) EmitToUser(userID, event string, data any) error {
	f.pushes = append(f.pushes, pushed{userID, event, data})
	return f.err
}

type recordingQueue struct {
	jobs []EmailJob
}

func (q *recordingQueue) Enqueue(_ context.Context, job EmailJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Close() error { return nil }

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	sent       []string
	err        error
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendNotification(kind email.Kind, to string, _ email.NotificationData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, string(kind)+":"+to)
	return nil
}

var (
	ada   = store.User{ID: "usr_ada", Username: "ada", FullName: "Ada Lovelace", Email: "ada@example.com"}
	grace = store.User{ID: "usr_grace", Username: "grace", Email: "grace@example.com"}
)

func mention() Notice {
	return Notice{
		Kind:      email.KindCommentMention,
		Recipient: grace,
		Sender:    ada,
		Title:     "New mention",
		Message:   "ada mentioned you",
		PageTitle: "Roadmap",
		Excerpt:   "@grace can you check this?",
		Link:      "/pages/pg_1",
		Data:      map[string]any{"pageId": "pg_1", "commentId": "cmt_1"},
	}
}

func TestDispatchPersistsPushesAndQueues(t *testing.T) {
	st := &fakeStore{}
	em := &fakeEmitter{}
	q := &recordingQueue{}
	d := NewDispatcher(st, em, q, "https://folio.test/", nil)

	item, err := d.Dispatch(context.Background(), mention())
	require.NoError(t, err)

	require.Len(t, st.inserted, 1)
	assert.Regexp(t, `^ntf_`, item.ID)
	assert.Equal(t, "usr_grace", item.RecipientID)
	assert.Equal(t, "comment_mention", item.Type)
	assert.JSONEq(t, `{"pageId":"pg_1","commentId":"cmt_1"}`, string(item.Data))

	require.Len(t, em.pushes, 1)
	assert.Equal(t, "usr_grace", em.pushes[0].user)
	assert.Equal(t, collab.EventNotification, em.pushes[0].event)
	payload := em.pushes[0].data.(Payload)
	assert.Equal(t, item.ID, payload.ID)
	assert.Equal(t, "ada", payload.Sender.Username)
	assert.Equal(t, "2026-03-01T09:00:00Z", payload.CreatedAt)

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, item.ID, job.NotificationID)
	assert.Equal(t, "grace@example.com", job.To)
	assert.Equal(t, "Ada Lovelace", job.Data.SenderName)
	assert.Equal(t, "grace", job.Data.RecipientName)
	assert.Equal(t, "https://folio.test/pages/pg_1", job.Data.ActionURL)
}

func TestDispatchStoreFailureStopsFanOut(t *testing.T) {
	st := &fakeStore{insertFn: func(store.Notification) error { return errors.New("db down") }}
	em := &fakeEmitter{}
	q := &recordingQueue{}
	d := NewDispatcher(st, em, q, "", nil)

	_, err := d.Dispatch(context.Background(), mention())
	require.Error(t, err)
	assert.Empty(t, em.pushes)
	assert.Empty(t, q.jobs)
}

func TestDispatchIgnoresPushFailure(t *testing.T) {
	st := &fakeStore{}
	em := &fakeEmitter{err: collab.ErrHubStopped}
	q := &recordingQueue{}
	d := NewDispatcher(st, em, q, "", nil)

	_, err := d.Dispatch(context.Background(), mention())
	require.NoError(t, err)
	assert.Len(t, q.jobs, 1)
}

func TestDispatchSkipsEmailWithoutAddress(t *testing.T) {
	n := mention()
	n.Recipient.Email = ""
	q := &recordingQueue{}
	d := NewDispatcher(&fakeStore{}, nil, q, "", nil)

	_, err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.Empty(t, q.jobs)
}

func TestDispatchHonorsChannelOptOuts(t *testing.T) {
	noPush := store.DefaultNotificationSettings()
	noPush.Push.CommentMentions = false
	noEmail := store.DefaultNotificationSettings()
	noEmail.Email.CommentMentions = false
	onlyInvites := store.DefaultNotificationSettings()
	onlyInvites.Email.PageInvites = false
	onlyInvites.Push.PageInvites = false

	tests := []struct {
		name     string
		settings store.NotificationSettings
		pushes   int
		jobs     int
	}{
		{name: "push off", settings: noPush, pushes: 0, jobs: 1},
		{name: "email off", settings: noEmail, pushes: 1, jobs: 0},
		{name: "other kind off", settings: onlyInvites, pushes: 1, jobs: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{prefs: map[string]store.NotificationSettings{grace.ID: tt.settings}}
			em := &fakeEmitter{}
			q := &recordingQueue{}

			_, err := NewDispatcher(st, em, q, "", nil).Dispatch(context.Background(), mention())
			require.NoError(t, err)
			assert.Len(t, st.inserted, 1, "the in-app notification is always stored")
			assert.Len(t, em.pushes, tt.pushes)
			assert.Len(t, q.jobs, tt.jobs)
		})
	}
}

func TestDispatchSettingsFailureUsesDefaults(t *testing.T) {
	st := &fakeStore{prefsErr: errors.New("db down")}
	em := &fakeEmitter{}
	q := &recordingQueue{}

	_, err := NewDispatcher(st, em, q, "", nil).Dispatch(context.Background(), mention())
	require.NoError(t, err)
	assert.Len(t, em.pushes, 1)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, grace.ID, q.jobs[0].RecipientID)
}

func TestWorkerHandle(t *testing.T) {
	job := EmailJob{NotificationID: "ntf_1", Kind: email.KindCommentReply, To: "grace@example.com"}

	t.Run("sends and marks", func(t *testing.T) {
		st := &fakeStore{}
		m := &fakeMailer{configured: true}
		require.NoError(t, NewWorker(st, m, nil).Handle(context.Background(), job))
		assert.Equal(t, []string{"comment_reply:grace@example.com"}, m.sent)
		assert.Equal(t, []string{"ntf_1"}, st.mailedIDs())
	})

	t.Run("unconfigured smtp is skipped", func(t *testing.T) {
		st := &fakeStore{}
		m := &fakeMailer{}
		require.NoError(t, NewWorker(st, m, nil).Handle(context.Background(), job))
		assert.Empty(t, m.sent)
		assert.Empty(t, st.mailedIDs())
	})

	t.Run("opt out after queueing is skipped", func(t *testing.T) {
		quiet := store.DefaultNotificationSettings()
		quiet.Email.CommentReplies = false
		st := &fakeStore{prefs: map[string]store.NotificationSettings{grace.ID: quiet}}
		m := &fakeMailer{configured: true}
		addressed := job
		addressed.RecipientID = grace.ID
		require.NoError(t, NewWorker(st, m, nil).Handle(context.Background(), addressed))
		assert.Empty(t, m.sent)
		assert.Empty(t, st.mailedIDs())
	})

	t.Run("send failure leaves flag unset", func(t *testing.T) {
		st := &fakeStore{}
		m := &fakeMailer{configured: true, err: errors.New("smtp 451")}
		require.Error(t, NewWorker(st, m, nil).Handle(context.Background(), job))
		assert.Empty(t, st.mailedIDs())
	})
}

func TestInlineQueueRunsJob(t *testing.T) {
	st := &fakeStore{}
	m := &fakeMailer{configured: true}
	q := NewInlineQueue(NewWorker(st, m, nil))

	require.NoError(t, q.Enqueue(context.Background(), EmailJob{NotificationID: "ntf_9", Kind: email.KindPageInvite, To: "ada@example.com"}))
	require.Eventually(t, func() bool { return len(st.mailedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Close())
}

func TestDecodeJob(t *testing.T) {
	raw, err := json.Marshal(EmailJob{NotificationID: "ntf_1", Kind: email.KindWorkspaceInvite, To: "a@b.c"})
	require.NoError(t, err)

	job, err := decodeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, email.KindWorkspaceInvite, job.Kind)

	for _, bad := range []string{`not json`, `{}`, `{"notificationId":"ntf_1","kind":"page_invite"}`} {
		_, err := decodeJob([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestNewNATSQueueValidatesConfig(t *testing.T) {
	_, err := NewNATSQueue(NATSConfig{Subject: "folio.email"}, nil)
	assert.Error(t, err)
	_, err = NewNATSQueue(NATSConfig{URL: "nats://127.0.0.1:4222"}, nil)
	assert.Error(t, err)
}

func TestRunRetentionPurgesWithCutoff(t *testing.T) {
	cutoffs := make(chan time.Time, 4)
	st := &fakeStore{purgeFn: func(before time.Time) (int64, error) {
		cutoffs <- before
		return 3, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, st, time.Hour, nil)
		close(done)
	}()

	select {
	case cutoff := <-cutoffs:
		assert.WithinDuration(t, time.Now().Add(-Retention), cutoff, time.Minute)
	case <-time.After(time.Second):
		t.Fatal("no purge at start")
	}
	cancel()
	<-done
}
