package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
// 帳號的建立與驗證由外部的身分系統負責，這裡只保存關聯出價所需的基本資訊
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username string    `gorm:"type:varchar(255);not null;<-:create"`
	IsAdmin  bool      `gorm:"not null;default:false"`
}

// BeforeCreate 在寫入前補上主鍵，讓 SQLite 與 PostgreSQL 都能使用相同的模型
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
