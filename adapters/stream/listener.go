package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type listenerOptions struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
}

type ListenerOption func(*listenerOptions)

// WithListenerLogger 設置日誌記錄器
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(o *listenerOptions) {
		o.logger = logger
	}
}

// WithListenerBufferSize 設置下游channel的緩衝大小
func WithListenerBufferSize(size int) ListenerOption {
	return func(o *listenerOptions) {
		o.bufferSize = size
	}
}

// WithListenerBlockTimeout 設置阻塞讀取超時時間
func WithListenerBlockTimeout(d time.Duration) ListenerOption {
	return func(o *listenerOptions) {
		o.blockTimeout = d
	}
}

// Listener 從 Redis Stream 讀取拍賣事件並送往下游 channel
// 只讀取啟動之後的新事件（從 $ 開始），供 SSE 廣播使用；
// 事件不需要 ack，漏掉的通知不影響拍賣結果的正確性
type Listener struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan Event
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    listenerOptions
}

func NewListener(client *redis.Client, stream string, opts ...ListenerOption) (*Listener, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := listenerOptions{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Listener{
		client:  client,
		stream:  stream,
		lastID:  "$",
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Listener"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (l *Listener) Start() {
	if !l.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.downStream = make(chan Event, l.options.bufferSize)
	l.closed = false
	l.cancelFunc = cancel
	l.logger.Info("starting event listener")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.logger.Info("listener goroutine stopped")
		defer close(l.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				message, err := l.fetchNextMessage(ctx)
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) {
						return
					}
					l.logger.Error("fetch event error", slog.Any("error", err))
					continue
				}

				// 解析事件
				event, err := DecodeEvent(message.Values)
				if err != nil {
					l.logger.Error("failed to decode event",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					continue
				}

				// 發送到下游
				select {
				case <-ctx.Done():
					return
				case l.downStream <- event:
					l.logger.Debug("event sent to downstream",
						slog.String("messageId", message.ID))
				}
			}
		}
	}()
}

func (l *Listener) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.stream, l.lastID},
		Count:   1,
		Block:   l.options.blockTimeout,
	}).Result()

	if err != nil {
		return redis.XMessage{}, err
	}

	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		message := streams[0].Messages[0]
		l.lastID = message.ID
		return message, nil
	}

	return redis.XMessage{}, redis.Nil
}

// Subscribe 訂閱事件流
func (l *Listener) Subscribe() <-chan Event {
	return l.downStream
}

// Close 關閉監聽者
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.logger.Info("closing event listener")
	l.closed = true
	l.cancelFunc()
	l.wg.Wait()
	l.logger.Info("event listener closed")
}
