package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gavel/adapters/store"
	"gavel/adapters/stream"
	"gavel/models"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	mu       sync.Mutex
	expired  []models.Product
	highest  map[uuid.UUID]*models.Bid
	settled  map[uuid.UUID]uuid.UUID
	listErr  error
	bidErr   error
	settleFn func(productID, winnerID uuid.UUID) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		highest: make(map[uuid.UUID]*models.Bid),
		settled: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var remain []models.Product
	for _, product := range f.expired {
		if _, ok := f.settled[product.ID]; !ok {
			remain = append(remain, product)
		}
	}
	return remain, nil
}

func (f *fakeStore) GetHighestBid(ctx context.Context, productID uuid.UUID) (*models.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bidErr != nil {
		return nil, f.bidErr
	}
	return f.highest[productID], nil
}

func (f *fakeStore) Settle(ctx context.Context, productID, winnerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleFn != nil {
		if err := f.settleFn(productID, winnerID); err != nil {
			return err
		}
	}
	if _, ok := f.settled[productID]; ok {
		return store.ErrAlreadySettled
	}
	f.settled[productID] = winnerID
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *capturePublisher) Publish(event stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func expiredProduct() models.Product {
	end := time.Now().UTC().Add(-time.Minute)
	return models.Product{ID: uuid.New(), AuctionEnd: &end}
}

func TestSweeper_RunOnce(t *testing.T) {
	t.Run("settles to the highest bidder", func(t *testing.T) {
		fs := newFakeStore()
		product := expiredProduct()
		winner := uuid.New()
		fs.expired = []models.Product{product}
		fs.highest[product.ID] = &models.Bid{
			ID:        uuid.New(),
			ProductID: product.ID,
			BidderID:  winner,
			Amount:    decimal.RequireFromString("250.00"),
		}
		publisher := &capturePublisher{}

		sweeper, err := NewSweeper(fs, WithSweeperLogger(discardLogger), WithSweeperPublisher(publisher))
		require.NoError(t, err)

		require.NoError(t, sweeper.RunOnce(context.Background(), time.Now().UTC()))

		assert.Equal(t, winner, fs.settled[product.ID])
		require.Len(t, publisher.events, 1)
		assert.Equal(t, stream.EventClosed, publisher.events[0].Kind)
		assert.Equal(t, product.ID, publisher.events[0].ProductID)
		assert.Equal(t, winner, publisher.events[0].BidderID)
	})

	t.Run("auction without bids settles to the empty winner", func(t *testing.T) {
		fs := newFakeStore()
		product := expiredProduct()
		fs.expired = []models.Product{product}

		sweeper, err := NewSweeper(fs, WithSweeperLogger(discardLogger))
		require.NoError(t, err)

		require.NoError(t, sweeper.RunOnce(context.Background(), time.Now().UTC()))
		assert.Equal(t, models.NoWinner, fs.settled[product.ID])

		// 結算後不再出現在掃描範圍內
		remain, err := fs.ListExpiredUnsettled(context.Background(), time.Now().UTC())
		require.NoError(t, err)
		assert.Empty(t, remain)
	})

	t.Run("one failing auction does not block the rest", func(t *testing.T) {
		fs := newFakeStore()
		broken := expiredProduct()
		healthy := expiredProduct()
		fs.expired = []models.Product{broken, healthy}
		fs.settleFn = func(productID, winnerID uuid.UUID) error {
			if productID == broken.ID {
				return errors.New("connection reset")
			}
			return nil
		}

		sweeper, err := NewSweeper(fs, WithSweeperLogger(discardLogger))
		require.NoError(t, err)

		require.NoError(t, sweeper.RunOnce(context.Background(), time.Now().UTC()))
		_, ok := fs.settled[broken.ID]
		assert.False(t, ok)
		assert.Equal(t, models.NoWinner, fs.settled[healthy.ID])
	})

	t.Run("already settled auction is a no-op", func(t *testing.T) {
		fs := newFakeStore()
		product := expiredProduct()
		fs.expired = []models.Product{product}
		// 模擬另一個掃描實例搶先完成結算
		fs.settleFn = func(productID, winnerID uuid.UUID) error {
			return store.ErrAlreadySettled
		}
		publisher := &capturePublisher{}

		sweeper, err := NewSweeper(fs, WithSweeperLogger(discardLogger), WithSweeperPublisher(publisher))
		require.NoError(t, err)

		require.NoError(t, sweeper.RunOnce(context.Background(), time.Now().UTC()))
		assert.Empty(t, publisher.events, "converged settlement should not emit a second event")
	})

	t.Run("list failure is returned", func(t *testing.T) {
		fs := newFakeStore()
		fs.listErr = errors.New("connection refused")

		sweeper, err := NewSweeper(fs, WithSweeperLogger(discardLogger))
		require.NoError(t, err)

		assert.Error(t, sweeper.RunOnce(context.Background(), time.Now().UTC()))
	})
}

func TestSweeper_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := newFakeStore()
	product := expiredProduct()
	fs.expired = []models.Product{product}

	sweeper, err := NewSweeper(fs,
		WithSweeperLogger(discardLogger),
		WithSweeperInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	sweeper.Start()
	sweeper.Start()

	assert.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		_, ok := fs.settled[product.ID]
		return ok
	}, time.Second, 10*time.Millisecond)

	sweeper.Close()
	sweeper.Close()
}

func TestNewSweeper(t *testing.T) {
	t.Run("nil store", func(t *testing.T) {
		_, err := NewSweeper(nil)
		assert.Error(t, err)
	})

	t.Run("non-positive interval", func(t *testing.T) {
		_, err := NewSweeper(newFakeStore(), WithSweeperInterval(0))
		assert.Error(t, err)
	})
}
