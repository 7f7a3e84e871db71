package stream

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewListener(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			client:  client,
			stream:  "auction-events",
			wantErr: false,
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "auction-events",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  client,
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			listener, err := NewListener(tt.client, tt.stream, WithListenerLogger(discardLogger))

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, listener)
		})
	}
}

func TestListener_StartStop(t *testing.T) {
	t.Run("normal start and stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		listener, err := NewListener(client, "auction-events", WithListenerLogger(discardLogger))
		require.NoError(t, err)

		listener.Start()
		listener.Start() // Should be no-op
		time.Sleep(100 * time.Millisecond)
		listener.Close()
		listener.Close() // Should be no-op
	})
}

func TestListener_EventConsumption(t *testing.T) {
	t.Run("decodes and forwards events", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		event := testEvent()
		values, err := EncodeEvent(event)
		require.NoError(t, err)

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "auction-events",
				Messages: []redis.XMessage{
					{
						ID:     "1234-0",
						Values: values,
					},
				},
			},
		})

		listener, err := NewListener(client, "auction-events", WithListenerLogger(discardLogger))
		require.NoError(t, err)

		listener.Start()
		defer listener.Close()

		select {
		case got := <-listener.Subscribe():
			assert.Equal(t, event.Kind, got.Kind)
			assert.Equal(t, event.ProductID, got.ProductID)
			assert.Equal(t, event.Amount, got.Amount)
		case <-time.After(time.Second):
			t.Fatal("did not receive event in time")
		}
	})

	t.Run("skips undecodable entries", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		event := testEvent()
		values, err := EncodeEvent(event)
		require.NoError(t, err)

		// 第一筆無法解析，應跳過並繼續讀取下一筆
		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "auction-events",
				Messages: []redis.XMessage{
					{
						ID:     "1234-0",
						Values: map[string]any{"data": "not-base64!!"},
					},
				},
			},
		})
		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"auction-events", "1234-0"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "auction-events",
				Messages: []redis.XMessage{
					{
						ID:     "1234-1",
						Values: values,
					},
				},
			},
		})

		listener, err := NewListener(client, "auction-events", WithListenerLogger(discardLogger))
		require.NoError(t, err)

		listener.Start()
		defer listener.Close()

		select {
		case got := <-listener.Subscribe():
			assert.Equal(t, event.ProductID, got.ProductID)
		case <-time.After(time.Second):
			t.Fatal("did not receive event in time")
		}
	})
}
