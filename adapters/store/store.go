package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/models"
)

type auctionStoreOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

type AuctionStoreOption func(*auctionStoreOptions)

// WithAuctionStoreLogger 設置日誌記錄器
func WithAuctionStoreLogger(logger *slog.Logger) AuctionStoreOption {
	return func(o *auctionStoreOptions) {
		o.logger = logger
	}
}

// WithAuctionStoreClock 設置時間來源，測試時用來控制截止判斷
func WithAuctionStoreClock(now func() time.Time) AuctionStoreOption {
	return func(o *auctionStoreOptions) {
		o.now = now
	}
}

// AuctionStore 是拍賣狀態的唯一權威來源
// 商品價格與結算狀態的所有序列化都在這一層完成：
// 每個會修改商品的操作都以交易搭配 lock_version 的樂觀鎖比對執行，
// 因此多個服務實例可以同時運作，而不需要任何跨請求的應用層鎖
type AuctionStore struct {
	db      *gorm.DB
	logger  *slog.Logger
	options auctionStoreOptions
}

func NewAuctionStore(db *gorm.DB, opts ...AuctionStoreOption) (*AuctionStore, error) {
	if db == nil {
		return nil, errors.New("gorm db cannot be nil")
	}

	// 默認選項
	options := auctionStoreOptions{
		logger: slog.Default(),
		now:    time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &AuctionStore{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "AuctionStore")),
		options: options,
	}, nil
}

// GetProduct 取得單一商品，不存在時回傳 ErrNotFound
func (s *AuctionStore) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if result := s.db.WithContext(ctx).First(&product, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fail to find product, err=%w", result.Error)
	}
	return &product, nil
}

// GetHighestBid 取得商品目前排名最高的出價
// 排序規則：金額高者優先，同額時建立時間較晚者優先
// 沒有任何出價時回傳 (nil, nil)
func (s *AuctionStore) GetHighestBid(ctx context.Context, productID uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	result := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("amount DESC, created_at DESC, id DESC").
		First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fail to find highest bid, err=%w", result.Error)
	}
	return &bid, nil
}

// AppendBidAndAdvancePrice 以單一交易驗證並寫入一筆出價
// 讀取商品、依序檢查（存在 → 未結算 → 未截止 → 金額高於現價）、
// 寫入出價並推進 current_price，全部成功或全部放棄。
// current_price 只能經由這個方法更新。
//
// 若樂觀鎖比對失敗（其他出價或結算搶先提交），整筆交易回滾，
// 並重新讀取商品決定回報的拒絕原因；這裡刻意不自動重試，
// 出價者應拿著最新價格自行決定是否再出價。
func (s *AuctionStore) AppendBidAndAdvancePrice(ctx context.Context, productID, bidderID uuid.UUID, amount decimal.Decimal) (*models.Bid, error) {
	var record models.Bid
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if result := tx.First(&product, "id = ?", productID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("fail to find product, err=%w", result.Error)
		}

		// 依規格順序檢查出價條件
		if product.Settled() {
			return ErrAuctionClosed
		}
		if product.Ended(s.options.now()) {
			return ErrAuctionExpired
		}
		if amount.LessThanOrEqual(product.CurrentPrice) {
			return ErrBidTooLow
		}

		record = models.Bid{
			ProductID: productID,
			BidderID:  bidderID,
			Amount:    amount,
		}
		if result := tx.Create(&record); result.Error != nil {
			return fmt.Errorf("fail to create bid, err=%w", result.Error)
		}

		// 以版本比對推進價格，攔截交易讀取後才提交的併發寫入
		result := tx.Model(&models.Product{}).
			Where("id = ? AND lock_version = ? AND winner_id IS NULL", productID, product.LockVersion).
			Updates(map[string]any{
				"current_price": amount,
				"lock_version":  product.LockVersion + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("fail to advance current price, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errStaleProduct
		}
		return nil
	})

	if errors.Is(err, errStaleProduct) {
		// 有其他交易搶先，重新讀取一次以回報正確的拒絕原因
		product, getErr := s.GetProduct(ctx, productID)
		if getErr != nil {
			return nil, getErr
		}
		if product.Settled() || product.Ended(s.options.now()) {
			return nil, ErrAuctionClosed
		}
		return nil, ErrBidTooLow
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("bid accepted",
		slog.String("productID", productID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.String("amount", amount.String()))
	return &record, nil
}

// ListExpiredUnsettled 列出截止時間已過且尚未結算的商品
// 沒有設定截止時間的商品永遠不會出現在結果中
func (s *AuctionStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]models.Product, error) {
	var products []models.Product
	result := s.db.WithContext(ctx).
		Where("auction_end IS NOT NULL AND auction_end <= ? AND winner_id IS NULL", now).
		Find(&products)
	if result.Error != nil {
		return nil, fmt.Errorf("fail to list expired products, err=%w", result.Error)
	}
	return products, nil
}

// Settle 將商品寫入最終的結算結果，winnerID 可為 models.NoWinner 表示流標
// 條件更新保證結果最多只會寫入一次：已經結算過的商品回傳 ErrAlreadySettled，
// 呼叫端（尤其是可能重疊執行的結算排程）應將其視為已收斂的無操作。
// 結算同時推進 lock_version，讓仍在途中的出價交易在版本比對時失敗。
func (s *AuctionStore) Settle(ctx context.Context, productID, winnerID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND winner_id IS NULL", productID).
		Updates(map[string]any{
			"winner_id":    winnerID,
			"lock_version": gorm.Expr("lock_version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("fail to settle product, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 區分「商品不存在」與「已經結算」
		if _, err := s.GetProduct(ctx, productID); err != nil {
			return err
		}
		return ErrAlreadySettled
	}

	s.logger.Info("auction settled",
		slog.String("productID", productID.String()),
		slog.String("winnerID", winnerID.String()))
	return nil
}
