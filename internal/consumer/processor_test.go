package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"owner_id":"owner-1","event_id":"kl-marathon"}`)
	msg := kafka.Message{
		Topic:     "import_requests",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("import.requested")},
			{Key: "owner_id", Value: []byte("owner-1")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "import.requested", handler.last.EventType)
	require.Equal(t, "owner-1", handler.last.OwnerID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorRetriesFailedMessageBeforeCommittingLaterOffsets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{importRequest(5), importRequest(6)},
		after:    contextCanceled,
	}
	handler := &stubHandler{failures: map[int64]int{5: 2}}

	processor := NewProcessor(reader, handler,
		WithLogger(zaptest.NewLogger(t)),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []int64{5, 5, 5, 6}, handler.offsets)
	require.Equal(t, []int64{5, 6}, reader.committed)
}

func TestProcessorLeavesFailingMessageUncommittedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{importRequest(20), importRequest(21)},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler,
		WithLogger(zaptest.NewLogger(t)),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
	)

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Greater(t, handler.calls, 1)
	require.NotContains(t, handler.offsets, int64(21))
	require.Zero(t, reader.commitCalls)
}

func TestRetryBackoffIgnoresInvalidValues(t *testing.T) {
	p := NewProcessor(&stubReader{}, &stubHandler{}, WithRetryBackoff(0, time.Millisecond))
	require.Equal(t, 500*time.Millisecond, p.retryBase)
	require.Equal(t, 30*time.Second, p.retryMax)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "import_requests", Value: []byte(`{"owner_id":`), Headers: []kafka.Header{{Key: "event_type", Value: []byte("import.requested")}}},
			{Topic: "import_requests", Value: []byte(`{"owner_id":"x"}`)},
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	committed   []int64
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.commitCalls++
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls    int
	err      error
	failures map[int64]int
	offsets  []int64
	last     Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	h.offsets = append(h.offsets, msg.Offset)
	if h.failures[msg.Offset] > 0 {
		h.failures[msg.Offset]--
		return errors.New("provider unavailable")
	}
	return h.err
}

func importRequest(offset int64) kafka.Message {
	return kafka.Message{
		Topic:  "import_requests",
		Offset: offset,
		Time:   time.Now().UTC(),
		Value:  []byte(`{"owner_id":"owner-2","event_id":"kl-marathon"}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("import.requested")},
		},
	}
}
