package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"dsprocessor/internal/domain"
	kconsumer "dsprocessor/internal/platform/kafka/consumer"
	"dsprocessor/internal/processor"
	"dsprocessor/internal/processor/mocks"
)

var topics = Topics{Specimen: "digital-specimen", Media: "digital-media", Delete: "digital-object-delete"}

type recordingProcessor struct {
	batches []processor.Batch
	err     error
}

func (r *recordingProcessor) Process(_ context.Context, b processor.Batch) (processor.Report, error) {
	r.batches = append(r.batches, b)
	return processor.Report{New: len(b.Events)}, r.err
}

func newHandler(t *testing.T, p BatchProcessor, sink processor.DeadLetterSink) *Handler {
	t.Helper()
	h, err := NewHandler(p, sink, topics,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { return "dl-1" }),
	)
	require.NoError(t, err)
	return h
}

func msg(topic, value string) *kconsumer.Message {
	return &kconsumer.Message{Topic: topic, Value: []byte(value)}
}

func TestHandleBatch_RoutesByTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockDeadLetterSink(ctrl)
	proc := &recordingProcessor{}
	h := newHandler(t, proc, sink)

	err := h.HandleBatch(context.Background(), []*kconsumer.Message{
		msg(topics.Specimen, `{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}}`),
		msg(topics.Media, `{"digitalMediaWrapper": {"accessURI": "https://img.example/1.jpg"}}`),
		msg(topics.Delete, `{"pid": "20.5000.1025/X", "kind": "digital_specimen"}`),
	})
	require.NoError(t, err)

	require.Len(t, proc.batches, 1)
	b := proc.batches[0]
	require.Len(t, b.Events, 2)
	assert.Equal(t, domain.KindSpecimen, b.Events[0].Kind)
	assert.Equal(t, domain.KindMedia, b.Events[1].Kind)
	require.Len(t, b.Deletes, 1)
	assert.Equal(t, "20.5000.1025/X", b.Deletes[0].PID)
}

func TestHandleBatch_DeadLettersUndecodable(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockDeadLetterSink(ctrl)
	proc := &recordingProcessor{}
	h := newHandler(t, proc, sink)

	sink.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, dl domain.DeadLetter) error {
		assert.Equal(t, "dl-1", dl.ID)
		assert.Equal(t, domain.KindMedia, dl.Kind)
		assert.Equal(t, StageDecode, dl.Stage)
		assert.Equal(t, "validation", dl.Code)
		assert.JSONEq(t, `"not json"`, string(dl.Payload))
		return nil
	})

	err := h.HandleBatch(context.Background(), []*kconsumer.Message{
		msg(topics.Media, `not json`),
		msg(topics.Specimen, `{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}}`),
	})
	require.NoError(t, err)
	require.Len(t, proc.batches, 1)
	assert.Len(t, proc.batches[0].Events, 1)
}

func TestHandleBatch_OnlyUndecodableSkipsProcessor(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockDeadLetterSink(ctrl)
	proc := &recordingProcessor{}
	h := newHandler(t, proc, sink)
	sink.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, h.HandleBatch(context.Background(), []*kconsumer.Message{msg("unknown-topic", `{}`)}))
	assert.Empty(t, proc.batches)
}

func TestHandleBatch_DeadLetterFailureStopsBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockDeadLetterSink(ctrl)
	proc := &recordingProcessor{}
	h := newHandler(t, proc, sink)
	sink.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("sink down"))

	err := h.HandleBatch(context.Background(), []*kconsumer.Message{msg(topics.Delete, `{}`)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "sink down")
	assert.Empty(t, proc.batches)
}

func TestHandleBatch_ProcessorErrorIsReturned(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := &recordingProcessor{err: errors.New("dead-letter X: broker down")}
	h := newHandler(t, proc, mocks.NewMockDeadLetterSink(ctrl))

	err := h.HandleBatch(context.Background(), []*kconsumer.Message{
		msg(topics.Specimen, `{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}}`),
	})
	require.Error(t, err)
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := NewHandler(nil, mocks.NewMockDeadLetterSink(gomock.NewController(t)), topics)
	require.Error(t, err)
	_, err = NewHandler(&recordingProcessor{}, nil, topics)
	require.Error(t, err)
}
