package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NoWinner 是「流標」的結算結果：拍賣已經結束，但沒有任何出價。
// winner_id 欄位在拍賣進行中為 NULL，結算後寫入得標者的 ID，
// 流標時則寫入這個零值 UUID，確保結算狀態永遠只會轉換一次。
var NoWinner = uuid.Nil

// Product 代表拍賣系統中的商品
// current_price 只會由出價流程更新，winner_id 只會由結算流程更新，
// 其他任何修改（包含後台編輯）都不可以覆蓋這兩個欄位
type Product struct {
	gorm.Model

	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Title         string          `gorm:"type:varchar(255);not null"`
	Description   string          `gorm:"type:text;not null"`
	StartingPrice decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	CurrentPrice  decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	AuctionEnd    *time.Time
	WinnerID      *uuid.UUID      `gorm:"type:uuid"`
	LockVersion   uint64          `gorm:"not null;default:0"`

	// 外鍵關聯
	BidRecords []Bid
}

// BeforeCreate 在寫入前補上主鍵，讓 SQLite 與 PostgreSQL 都能使用相同的模型
func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Settled 判斷商品是否已經結算（包含流標）
func (p *Product) Settled() bool {
	return p.WinnerID != nil
}

// Ended 判斷拍賣在指定時間點是否已經截止
// auction_end 為空代表拍賣不會自動截止
func (p *Product) Ended(now time.Time) bool {
	return p.AuctionEnd != nil && !p.AuctionEnd.After(now)
}
