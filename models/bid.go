package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid 代表拍賣商品的出價紀錄
// 出價一旦寫入就不會再修改或刪除，created_at 由伺服器端指定，
// 同額出價以建立時間較晚者為優先（明確的決勝規則）
type Bid struct {
	gorm.Model

	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	Amount    decimal.Decimal `gorm:"type:numeric(14,2);not null;<-:create"`

	// 外鍵關聯
	Bidder User `gorm:"foreignKey:BidderID"`
}

// BeforeCreate 在寫入前補上主鍵，讓 SQLite 與 PostgreSQL 都能使用相同的模型
func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
