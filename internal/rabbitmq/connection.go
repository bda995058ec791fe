package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection.
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and re-dials it with
// exponential backoff when the broker closes it.
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces amqp.Dial.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect establishes the initial connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// dialContext runs the blocking dial in a goroutine so ctx can abandon it.
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// attach must be called with mu held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if ok && err != nil {
			cm.logger.Error("connection closed", "error", err)
		}
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()
		cm.reconnect()
	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start),
			)
			return
		}

		select {
		case <-time.After(cm.backoff(attempt)):
		case <-cm.done:
			return
		}

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn)
		notify := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)
		go cm.handleReconnect(notify)
		return
	}
}

// backoff doubles the base delay per attempt, caps it and adds up to 25%
// jitter.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	delay := cm.maxDelay
	if attempt < 32 {
		if d := base << uint(attempt); d > 0 && d < cm.maxDelay {
			delay = d
		}
	}
	if jitter := int64(delay) / 4; jitter > 0 {
		delay += time.Duration(rand.Int64N(jitter))
	}
	return delay
}
