package store

import "errors"

// 出價與結算可能回傳的拒絕原因
// 這些錯誤代表狀態檢查未通過，資料不會有任何變動
var (
	ErrNotFound       = errors.New("product not found")
	ErrAuctionClosed  = errors.New("auction already closed")
	ErrAuctionExpired = errors.New("auction has ended")
	ErrBidTooLow      = errors.New("bid must be higher than current price")
)

// ErrAlreadySettled 表示商品已經被其他次結算寫入結果
// 這不是失敗，而是冪等結算收斂時的正常訊號，呼叫端應視為無操作
var ErrAlreadySettled = errors.New("auction already settled")

// errStaleProduct 表示樂觀鎖版本比對失敗，有其他交易搶先更新了商品
// 只在交易內部使用，不會洩漏給呼叫端
var errStaleProduct = errors.New("product version changed")
