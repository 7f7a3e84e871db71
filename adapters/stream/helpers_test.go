package stream

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// discardLogger 在測試時丟棄所有日誌輸出
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func testEvent() Event {
	return Event{
		Kind:      EventBid,
		ProductID: uuid.New(),
		BidderID:  uuid.New(),
		Amount:    "150.00",
		At:        time.Now().UTC().Truncate(time.Millisecond),
	}
}
