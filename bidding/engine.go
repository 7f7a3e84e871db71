package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gavel/adapters/stream"
	"gavel/models"
)

// ErrInvalidBid 表示請求本身不合法（缺少識別或金額非正數），
// 尚未進入儲存層就被拒絕
var ErrInvalidBid = errors.New("invalid bid")

// Store 定義出價流程需要的儲存層操作
// 驗證與寫入的原子性完全由儲存層保證，引擎本身不持有任何鎖，
// 因此可以有多個服務實例同時執行
type Store interface {
	AppendBidAndAdvancePrice(ctx context.Context, productID, bidderID uuid.UUID, amount decimal.Decimal) (*models.Bid, error)
}

// Publisher 將成立的出價廣播給其他元件（SSE、其他節點）
type Publisher interface {
	Publish(event stream.Event) error
}

type engineOptions struct {
	logger    *slog.Logger
	publisher Publisher
}

type EngineOption func(*engineOptions)

// WithEngineLogger 設置日誌記錄器
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithEnginePublisher 設置事件發布者，未設置時只寫入資料庫不廣播
func WithEnginePublisher(publisher Publisher) EngineOption {
	return func(o *engineOptions) {
		o.publisher = publisher
	}
}

// Engine 逐筆驗證並提交出價
// 驗證失敗會以具名錯誤回報原因，且不會留下任何資料；
// 併發輸掉的出價者會收到 ErrBidTooLow（或結算穿插時的 ErrAuctionClosed），
// 這裡刻意不自動重試，因為重試可能送出使用者已經不想出的價格
type Engine struct {
	store   Store
	logger  *slog.Logger
	options engineOptions
}

func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	// 默認選項
	options := engineOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		store:   store,
		logger:  options.logger.With(slog.String("caller", "Engine")),
		options: options,
	}, nil
}

// PlaceBid 驗證並提交一筆出價，成功時回傳寫入的出價紀錄
func (e *Engine) PlaceBid(ctx context.Context, productID, bidderID uuid.UUID, amount decimal.Decimal) (*models.Bid, error) {
	// 輸入檢查在進入儲存層之前完成
	if productID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing product id", ErrInvalidBid)
	}
	if bidderID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing bidder id", ErrInvalidBid)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}

	bid, err := e.store.AppendBidAndAdvancePrice(ctx, productID, bidderID, amount)
	if err != nil {
		return nil, err
	}

	e.logger.Info("higher bid occurs",
		slog.String("productID", productID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.String("amount", amount.String()))

	// 廣播是盡力而為，失敗不影響已經成立的出價
	if e.options.publisher != nil {
		event := stream.Event{
			Kind:      stream.EventBid,
			ProductID: productID,
			BidderID:  bidderID,
			Amount:    amount.String(),
			At:        bid.CreatedAt,
		}
		if err := e.options.publisher.Publish(event); err != nil {
			e.logger.Error("fail to publish bid event", slog.Any("error", err))
		}
	}

	return bid, nil
}
