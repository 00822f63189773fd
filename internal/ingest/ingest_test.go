package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsync/internal/errs"
	"dirsync/internal/fixture"
	"dirsync/internal/metrics"
	"dirsync/internal/model"
	"dirsync/internal/projector"
	"dirsync/internal/state"
	tu "dirsync/internal/testutil"
)

type fakeProjector struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
}

func (f *fakeProjector) Project(ctx context.Context, ev model.ListingCategoryChanged) (projector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev.ListingID)
	if err := f.errs[ev.ListingID]; err != nil {
		return projector.Result{}, err
	}
	return projector.Result{ListingID: ev.ListingID, Scope: ev.TenantID}, nil
}

func (f *fakeProjector) listings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func event(t *testing.T, listingID, primary string, secondary ...string) []byte {
	t.Helper()
	b, err := json.Marshal(model.ListingCategoryChanged{
		ListingID:            listingID,
		TenantID:             "t1",
		PrimaryCategoryID:    primary,
		SecondaryCategoryIDs: secondary,
	})
	require.NoError(t, err)
	return b
}

func TestDispatcher_ProjectsIntoStore(t *testing.T) {
	ctx := context.Background()
	store := state.NewInMemoryStore()
	require.NoError(t, fixture.Sample().Apply(ctx, store))
	reg := metrics.NewRegistry()
	p := projector.New(store, projector.Options{Metrics: reg, Logger: tu.NewTestLogger(t)})
	d := NewDispatcher(p, Options{Metrics: reg, Logger: tu.NewTestLogger(t)})

	require.NoError(t, d.Deliver(ctx, event(t, "joes", "hardware", "tools")))
	require.NoError(t, d.Deliver(ctx, event(t, "joes", "hardware", "bogus")))
	require.NoError(t, d.Deliver(ctx, []byte("{not json")))

	assert.Equal(t, []model.Association{
		{ListingID: "joes", CategoryID: "hardware", IsPrimary: true},
		{ListingID: "joes", CategoryID: "tools"},
	}, store.AssociationsOf("joes"))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.IngestCommitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.IngestSkipped))
}

func TestDispatcher_ReturnsTransientErrors(t *testing.T) {
	fp := &fakeProjector{errs: map[string]error{"joes": errs.Projection("project", errors.New("db gone"))}}
	d := NewDispatcher(fp, Options{})
	err := d.Deliver(context.Background(), event(t, "joes", "hardware"))
	require.Error(t, err)
	assert.Equal(t, errs.KindProjection, errs.KindOf(err))
}

func TestFileSource_StopsAtFailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	lines := strings.Join([]string{
		string(event(t, "joes", "hardware")),
		"",
		string(event(t, "ace", "hardware")),
		string(event(t, "brushes", "tools")),
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	fp := &fakeProjector{errs: map[string]error{"ace": errors.New("boom")}}
	err := NewFileSource(path).Run(context.Background(), NewDispatcher(fp, Options{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, []string{"joes", "ace"}, fp.listings())
}

func TestReaderSource_ReadsAll(t *testing.T) {
	in := string(event(t, "joes", "hardware")) + "\n\n" + string(event(t, "ace", "hardware")) + "\n"
	fp := &fakeProjector{}
	require.NoError(t, NewReaderSource(strings.NewReader(in)).Run(context.Background(), NewDispatcher(fp, Options{})))
	assert.Equal(t, []string{"joes", "ace"}, fp.listings())
}

type fakeGroupReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeGroupReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeGroupReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeGroupReader) Close() error {
	f.closed = true
	return nil
}

func TestSegmentioSource_CommitsAfterHandling(t *testing.T) {
	fr := &fakeGroupReader{msgs: []kafka.Message{
		{Offset: 0, Value: event(t, "joes", "hardware")},
		{Offset: 1, Value: []byte("garbage")},
		{Offset: 2, Value: event(t, "ace", "hardware")},
	}}
	fp := &fakeProjector{}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := NewSegmentioSourceWith(fr, tu.NewTestLogger(t)).Run(ctx, NewDispatcher(fp, Options{}))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, fr.committed)
	assert.Equal(t, []string{"joes", "ace"}, fp.listings())
	assert.True(t, fr.closed)
}

func TestSegmentioSource_LeavesFailedOffsetUncommitted(t *testing.T) {
	fr := &fakeGroupReader{msgs: []kafka.Message{
		{Offset: 7, Value: event(t, "joes", "hardware")},
		{Offset: 8, Value: event(t, "ace", "hardware")},
	}}
	fp := &fakeProjector{errs: map[string]error{"joes": errors.New("db gone")}}

	err := NewSegmentioSourceWith(fr, tu.NewTestLogger(t)).Run(context.Background(), NewDispatcher(fp, Options{}))
	require.Error(t, err)
	assert.Empty(t, fr.committed)
	assert.Equal(t, []string{"joes"}, fp.listings())
}

type fakeConsumer struct {
	mu        sync.Mutex
	topics    []string
	reads     []any
	committed []ck.Offset
	onEmpty   func()
}

func (f *fakeConsumer) SubscribeTopics(topics []string, _ ck.RebalanceCb) error {
	f.topics = topics
	return nil
}

func (f *fakeConsumer) ReadMessage(timeout time.Duration) (*ck.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		if f.onEmpty != nil {
			f.onEmpty()
		}
		return nil, ck.NewError(ck.ErrTimedOut, "timed out", false)
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	switch v := next.(type) {
	case *ck.Message:
		return v, nil
	case error:
		return nil, v
	}
	return nil, nil
}

func (f *fakeConsumer) CommitMessage(m *ck.Message) ([]ck.TopicPartition, error) {
	f.committed = append(f.committed, m.TopicPartition.Offset)
	return []ck.TopicPartition{m.TopicPartition}, nil
}

func (f *fakeConsumer) Close() error { return nil }

func ckMessage(offset int64, value []byte) *ck.Message {
	topic := "listing-categories"
	return &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &topic, Partition: 0, Offset: ck.Offset(offset)},
		Value:          value,
	}
}

func TestConfluentSource_SkipsTimeoutsAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc := &fakeConsumer{
		reads: []any{
			ck.NewError(ck.ErrTimedOut, "timed out", false),
			ckMessage(3, event(t, "joes", "hardware")),
			ckMessage(4, event(t, "ace", "hardware")),
		},
		onEmpty: cancel,
	}
	fp := &fakeProjector{}

	err := NewConfluentSourceWith(fc, "listing-categories", tu.NewTestLogger(t)).Run(ctx, NewDispatcher(fp, Options{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"listing-categories"}, fc.topics)
	assert.Equal(t, []ck.Offset{3, 4}, fc.committed)
	assert.Equal(t, []string{"joes", "ace"}, fp.listings())
}

func TestConfluentSource_BrokerErrorStops(t *testing.T) {
	fc := &fakeConsumer{reads: []any{ck.NewError(ck.ErrAllBrokersDown, "all brokers down", false)}}
	err := NewConfluentSourceWith(fc, "t", nil).Run(context.Background(), NewDispatcher(&fakeProjector{}, Options{}))
	require.Error(t, err)
	assert.Empty(t, fc.committed)
}
