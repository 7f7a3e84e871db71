package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

// ErrPublisherClosed 表示發布者尚未啟動或已經關閉
var ErrPublisherClosed = errors.New("publisher is closed")

type publisherOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type PublisherOption func(*publisherOptions)

// WithPublisherLogger 設置日誌記錄器
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(o *publisherOptions) {
		o.logger = logger
	}
}

// WithPublisherBufferSize 設置緩衝大小
func WithPublisherBufferSize(size int) PublisherOption {
	return func(o *publisherOptions) {
		o.bufferSize = size
	}
}

// Publisher 將拍賣事件寫入 Redis Stream
// 寫入透過無界緩衝的背景 goroutine 進行，Publish 不會因為 Redis 延遲而阻塞；
// 事件廣播是盡力而為的通知，絕不能反過來影響出價與結算的結果
type Publisher struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    publisherOptions
}

func NewPublisher(client *redis.Client, stream string, opts ...PublisherOption) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := publisherOptions{
		logger:     slog.Default(),
		bufferSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Publisher"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (p *Publisher) Start() {
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting event publisher")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("publisher goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case values := <-p.upstream.Out:
				id, err := p.client.XAdd(ctx, &redis.XAddArgs{
					Stream: p.stream,
					Values: values,
				}).Result()

				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					p.logger.Error("publish event error", slog.Any("error", err))
					continue
				}

				p.logger.Debug("event published", slog.String("messageId", id))
			}
		}
	}()
}

// Publish 將事件排入待發送佇列
func (p *Publisher) Publish(event Event) error {
	if p.closed {
		return ErrPublisherClosed
	}

	values, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event error: %w", err)
	}

	p.upstream.In <- values
	return nil
}

func (p *Publisher) Close() {
	if p.closed {
		return
	}
	p.logger.Info("closing event publisher")
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("event publisher closed")
}
