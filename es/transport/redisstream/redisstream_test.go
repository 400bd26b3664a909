package redisstream

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/transport"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

func linked(number int64) es.LinkedEvent {
	return es.LinkedEvent{
		RawEvent:            es.RawEvent{ID: uuid.New(), StreamID: uuid.New(), Name: "item.added", Payload: []byte(`{}`)},
		EventNumber:         number,
		PreviousEventNumber: number - 1,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Addr: "localhost:6379", Stream: "events"}, false},
		{"no addr", Config{Stream: "events"}, true},
		{"no stream", Config{Addr: "localhost:6379"}, true},
		{"negative max len", Config{Addr: "localhost:6379", Stream: "events", MaxLen: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatch_AppendsEntry(t *testing.T) {
	fake := &fakeStream{}
	d := &Dispatcher{client: fake, stream: "events", maxLen: 1000}
	event := linked(5)

	require.NoError(t, d.Dispatch(context.Background(), event))
	require.Len(t, fake.args, 1)

	args := fake.args[0]
	assert.Equal(t, "events", args.Stream)
	assert.Equal(t, "*", args.ID)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "5", values[transport.HeaderEventNumber])
	assert.Equal(t, event.StreamID.String(), values[transport.HeaderStreamID])

	decoded, err := DecodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{BodyField: string(values[BodyField].([]byte))}})
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
}

func TestDispatch_UnboundedStream(t *testing.T) {
	fake := &fakeStream{}
	d := &Dispatcher{client: fake, stream: "events"}

	require.NoError(t, d.Dispatch(context.Background(), linked(1)))
	assert.Zero(t, fake.args[0].MaxLen)
	assert.False(t, fake.args[0].Approx)
}

func TestDispatch_Error(t *testing.T) {
	boom := errors.New("READONLY You can't write against a read only replica")
	d := &Dispatcher{client: &fakeStream{err: boom}, stream: "events"}

	err := d.Dispatch(context.Background(), linked(1))
	assert.ErrorIs(t, err, boom)
}

func TestDecodeEntry_MissingBody(t *testing.T) {
	_, err := DecodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.ErrorIs(t, err, transport.ErrInvalidEnvelope)
}
