package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/evidenceloop/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" env:"THRESHOLD" json:"threshold"`

	// Timeout 单次调用超时时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" json:"timeout"`

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT" json:"reset_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的最大并发试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS" json:"half_open_max_calls"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          2 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Breaker 连续失败熔断器，同时为每次调用施加超时。
// 并发安全，可被多个 turn 共享。
type Breaker struct {
	name     string
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	onChange func(name string, from, to State)

	mu               sync.Mutex
	state            State
	failureCount     int
	lastFailureTime  time.Time
	halfOpenInFlight int
}

// Option 配置 Breaker.
type Option func(*Breaker)

// WithClock 注入时钟 (测试用).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange 注册状态变更回调, 在持锁之外同步调用.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New 创建熔断器
func New(name string, config Config, logger *zap.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute 在熔断保护和超时下执行 fn.
// 熔断打开时立即返回 CIRCUIT_OPEN; 超时返回 UPSTREAM_TIMEOUT。
// 调用方取消 context 不计入失败。
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	result, err := fn(callCtx)
	switch {
	case err == nil:
		b.afterCall(true)
		return result, nil
	case ctx.Err() != nil:
		// The turn was cancelled; the backend is not at fault.
		b.release()
		return zero, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		b.afterCall(false)
		return zero, types.Errorf(types.ErrUpstreamTimeout, "%s call exceeded %s", b.name, b.config.Timeout).
			WithCause(err).WithRetryable(true).WithBackend(b.name)
	case isClientError(err):
		b.release()
		return zero, err
	default:
		b.afterCall(false)
		return zero, err
	}
}

// isClientError reports errors that say nothing about backend health. They
// neither count as failures nor close a half-open circuit.
func isClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrRerankUnauthorized, types.ErrInvalidCandidate, types.ErrInvalidConfig:
		return true
	}
	return false
}

// beforeCall 调用前检查
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.config.ResetTimeout {
			return types.Errorf(types.ErrCircuitOpen, "circuit %s is open", b.name).WithBackend(b.name)
		}
		change = b.setState(StateHalfOpen)
		b.halfOpenInFlight = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return types.Errorf(types.ErrCircuitOpen, "circuit %s is half-open and at capacity", b.name).WithBackend(b.name)
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// release 归还半开状态下的试探名额, 不影响计数
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// afterCall 调用后处理
func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	var change func()
	if success {
		change = b.onSuccess()
	} else {
		change = b.onFailure()
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

func (b *Breaker) onSuccess() func() {
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.logger.Info("circuit recovered")
		b.halfOpenInFlight = 0
		return b.setState(StateClosed)
	}
	return nil
}

func (b *Breaker) onFailure() func() {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("half-open call failed, circuit reopened")
		b.halfOpenInFlight = 0
		return b.setState(StateOpen)
	}
	return nil
}

// setState must be called with mu held; the returned func runs the callback after unlock.
func (b *Breaker) setState(next State) func() {
	prev := b.state
	b.state = next
	if b.onChange == nil || prev == next {
		return nil
	}
	fn, name := b.onChange, b.name
	return func() { fn(name, prev, next) }
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name 返回熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.setState(StateClosed)
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.mu.Unlock()

	b.logger.Info("circuit reset")
	if change != nil {
		change()
	}
}
