package sse

import (
	"context"
	"log/slog"
	"sync"

	"gavel/adapters/stream"
)

// Subscriber 提供跨節點的事件來源，通常是 stream.Listener
type Subscriber interface {
	Subscribe() <-chan stream.Event
}

type hubOptions struct {
	logger     *slog.Logger
	subscriber Subscriber
}

type HubOption func(*hubOptions)

// WithHubLogger 設置日誌記錄器
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// WithHubSubscriber 設置上游事件來源
func WithHubSubscriber(subscriber Subscriber) HubOption {
	return func(o *hubOptions) {
		o.subscriber = subscriber
	}
}

// Hub 依商品分流拍賣事件給 SSE 連線
// 事件經由 Redis Stream 送達（透過 Subscriber），因此多個服務實例
// 各自的 Hub 都能廣播到自己節點上的連線
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool

	channels map[string]*Channel
	options  hubOptions
}

func NewHub(opts ...HubOption) *Hub {
	// 默認選項
	options := hubOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		ctx:      ctx,
		cancel:   cancel,
		logger:   options.logger.With(slog.String("caller", "Hub")),
		channels: make(map[string]*Channel),
		active:   true,
		options:  options,
	}
}

// Start 開始接收上游事件並廣播給訂閱者。
// 應在呼叫其他方法前先呼叫此方法。
func (h *Hub) Start() {
	if h.options.subscriber == nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		upstream := h.options.subscriber.Subscribe()
		for {
			select {
			case <-h.ctx.Done():
				return
			case event, ok := <-upstream:
				if !ok {
					return
				}
				h.Broadcast(event)
			}
		}
	}()
}

// Broadcast 將事件廣播給對應商品的所有訂閱者。
func (h *Hub) Broadcast(event stream.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if channel, ok := h.channels[event.ProductID.String()]; ok {
		channel.Broadcast(event)
	}
}

// Done 停止 Hub 並關閉所有訂閱。
func (h *Hub) Done() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range h.channels {
		channel.UnsubscribeAll()
	}
	clear(h.channels)
}

// Subscribe 訂閱指定商品的事件。
func (h *Hub) Subscribe(productID string) (<-chan stream.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return nil, context.Canceled
	}

	c, ok := h.channels[productID]
	if !ok {
		c = NewChannel()
		h.channels[productID] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱指定商品的事件。
func (h *Hub) Unsubscribe(productID string, ch <-chan stream.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.channels[productID]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(h.channels, productID)
	}
}
