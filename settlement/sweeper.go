package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gavel/adapters/store"
	"gavel/adapters/stream"
	"gavel/models"
)

const defaultSweepInterval = time.Minute

// Store 定義結算流程需要的儲存層操作
type Store interface {
	ListExpiredUnsettled(ctx context.Context, now time.Time) ([]models.Product, error)
	GetHighestBid(ctx context.Context, productID uuid.UUID) (*models.Bid, error)
	Settle(ctx context.Context, productID uuid.UUID, winnerID uuid.UUID) error
}

// Publisher 定義結算事件的發布接口
type Publisher interface {
	Publish(event stream.Event) error
}

type sweeperOptions struct {
	logger    *slog.Logger
	publisher Publisher
	interval  time.Duration
	clock     func() time.Time
}

type SweeperOption func(*sweeperOptions)

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(o *sweeperOptions) {
		o.logger = logger
	}
}

func WithSweeperPublisher(publisher Publisher) SweeperOption {
	return func(o *sweeperOptions) {
		o.publisher = publisher
	}
}

func WithSweeperInterval(interval time.Duration) SweeperOption {
	return func(o *sweeperOptions) {
		o.interval = interval
	}
}

func WithSweeperClock(clock func() time.Time) SweeperOption {
	return func(o *sweeperOptions) {
		o.clock = clock
	}
}

// Sweeper 週期性掃描已到期且未結算的拍賣，
// 為每一個決定得標者並寫入結算結果。
// 結算本身具冪等性，因此多個實例同時掃描不會互相干擾。
type Sweeper struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	clock     func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSweeper(store Store, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	opt := sweeperOptions{
		logger:   slog.Default(),
		interval: defaultSweepInterval,
		clock:    time.Now,
	}
	for _, fn := range opts {
		fn(&opt)
	}
	if opt.interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	return &Sweeper{
		store:     store,
		publisher: opt.publisher,
		logger:    opt.logger.With(slog.String("caller", "settlement.Sweeper")),
		interval:  opt.interval,
		clock:     opt.clock,
		done:      make(chan struct{}),
	}, nil
}

// Start 啟動背景掃描迴圈，重複呼叫不會產生新的迴圈
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Close 停止背景掃描並等待迴圈結束
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		s.Start()
		s.cancel()
		<-s.done
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, s.clock()); err != nil {
				s.logger.Error("Fail to run settlement sweep", slog.Any("error", err))
			}
		}
	}
}

// RunOnce 執行一輪掃描，結算所有已到期且尚未結算的拍賣。
// 單一拍賣的失敗只會記錄，不會中斷其餘拍賣的結算。
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	const op = "settlement.Sweeper.RunOnce"

	products, err := s.store.ListExpiredUnsettled(ctx, now)
	if err != nil {
		return fmt.Errorf("[%s] Fail to list expired auctions, err=%w", op, err)
	}

	for _, product := range products {
		if err := s.settleOne(ctx, product); err != nil {
			s.logger.Error("Fail to settle auction",
				slog.String("productID", product.ID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (s *Sweeper) settleOne(ctx context.Context, product models.Product) error {
	const op = "settlement.Sweeper.settleOne"

	// 得標者為最高出價者，無人出價時寫入空白得標者，
	// 讓拍賣脫離掃描範圍
	winnerID := models.NoWinner
	highest, err := s.store.GetHighestBid(ctx, product.ID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to query highest bid, err=%w", op, err)
	}
	if highest != nil {
		winnerID = highest.BidderID
	}

	if err := s.store.Settle(ctx, product.ID, winnerID); err != nil {
		// 別的掃描迴圈已完成結算，視為同一結果
		if errors.Is(err, store.ErrAlreadySettled) {
			return nil
		}
		return fmt.Errorf("[%s] Fail to settle, err=%w", op, err)
	}
	s.logger.Info("Auction settled",
		slog.String("productID", product.ID.String()),
		slog.String("winnerID", winnerID.String()),
	)

	if s.publisher != nil {
		event := stream.Event{
			Kind:      stream.EventClosed,
			ProductID: product.ID,
			BidderID:  winnerID,
			At:        s.clock().UTC(),
		}
		if highest != nil {
			event.Amount = highest.Amount.String()
		}
		if err := s.publisher.Publish(event); err != nil {
			s.logger.Warn("Fail to publish settlement event",
				slog.String("productID", product.ID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
