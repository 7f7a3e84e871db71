package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// EventKind 標示拍賣事件的種類
type EventKind string

const (
	// EventBid 表示一筆成立的出價
	EventBid EventKind = "bid"
	// EventClosed 表示拍賣已經結算
	EventClosed EventKind = "closed"
)

// Event 是透過 Redis Stream 在服務實例之間廣播的拍賣事件
// 出價成立與拍賣結算都會發布一筆，金額以字串表示十進位數值
type Event struct {
	Kind      EventKind `json:"kind" msgpack:"kind"`
	ProductID uuid.UUID `json:"productId" msgpack:"product_id"`
	BidderID  uuid.UUID `json:"bidderId" msgpack:"bidder_id"`
	Amount    string    `json:"amount" msgpack:"amount"`
	At        time.Time `json:"at" msgpack:"at"`
}

// EncodeEvent 將事件序列化為 stream entry 的欄位
// 使用 msgpack 搭配 base64，避免 Redis 對 map 值的型別限制
func EncodeEvent(event Event) (map[string]any, error) {
	bytes, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeEvent 從 stream entry 的欄位還原事件
func DecodeEvent(values map[string]any) (Event, error) {
	var event Event

	dataStr, ok := values["data"].(string)
	if !ok {
		return event, errors.New("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return event, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &event); err != nil {
		return event, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return event, nil
}
