package sse

import (
	"sync"

	"gavel/adapters/stream"
)

// Channel 管理單一商品的所有 SSE 訂閱者，
// 並將收到的拍賣事件廣播給每一個訂閱者。
type Channel struct {
	subscribers map[<-chan stream.Event]chan<- stream.Event
	mu          sync.RWMutex
}

func NewChannel() *Channel {
	return &Channel{
		subscribers: make(map[<-chan stream.Event]chan<- stream.Event),
	}
}

// Subscribe 建立一個新的訂閱，回傳唯讀通道給呼叫者。
func (c *Channel) Subscribe() <-chan stream.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan stream.Event, 1)
	c.subscribers[ch] = ch
	return ch
}

// Unsubscribe 移除指定的訂閱並關閉其通道。
func (c *Channel) Unsubscribe(ch <-chan stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if writeCh, exists := c.subscribers[ch]; exists {
		delete(c.subscribers, ch)
		close(writeCh)
	}
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空訂閱清單。
func (c *Channel) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, writeCh := range c.subscribers {
		close(writeCh)
	}
	clear(c.subscribers)
}

// Broadcast 將事件廣播給所有仍在訂閱清單中的通道。
// 來不及消費的訂閱者會被略過，廣播永遠不會阻塞。
func (c *Channel) Broadcast(event stream.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, writeCh := range c.subscribers {
		select {
		case writeCh <- event:
		default:
		}
	}
}

// IsIdle 判斷是否已經沒有任何訂閱者。
func (c *Channel) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}
