package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "associations.jsonl")
	require.NoError(t, err)

	d1 := Delta{Scope: "t1", ListingID: "joes", CategoryID: "hardware", Op: OpInsert, IsPrimary: true, TS: 1}
	d2 := Delta{Scope: "t1", ListingID: "joes", CategoryID: "paint", Op: OpDelete, TS: 2}
	require.NoError(t, w.Append(context.Background(), d1))
	require.NoError(t, w.Append(context.Background(), d2))

	f, err := os.Open(filepath.Join(dir, "associations.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Delta
	for s.Scan() {
		var d Delta
		require.NoError(t, json.Unmarshal(s.Bytes(), &d))
		got = append(got, d)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []Delta{d1, d2}, got)
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_KeysByListing(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	err := kw.Append(context.Background(),
		Delta{ListingID: "joes", CategoryID: "hardware", Op: OpInsert},
		Delta{ListingID: "joes", CategoryID: "tools", Op: OpInsert},
	)
	require.NoError(t, err)
	require.Len(t, fk.msgs, 2)
	assert.Equal(t, "joes", string(fk.msgs[0].Key))
	assert.Equal(t, "joes", string(fk.msgs[1].Key))
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	assert.Error(t, kw.Append(context.Background(), Delta{ListingID: "k"}))
}

func TestMultiWriter_StopsOnFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	m := NewMultiWriter(NewKafkaWriterWith(bad), NewKafkaWriterWith(ok))
	assert.Error(t, m.Append(context.Background(), Delta{ListingID: "k"}))
	assert.Empty(t, ok.msgs)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092"))
	assert.Nil(t, SplitBrokers(""))
}
