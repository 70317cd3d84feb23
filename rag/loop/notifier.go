package loop

import (
	"context"
	"fmt"

	"github.com/BaSui01/evidenceloop/internal/ctxkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// 控制器发出的事件名
const (
	EventTaskFused     = "evidenceloop.task_fused"
	EventVerdict       = "evidenceloop.verdict"
	EventWidening      = "evidenceloop.widening"
	EventReissueFailed = "evidenceloop.reissue_failed"
)

// Notifier 追踪协作者，接收结构化事件。
// 控制器在单个后台 goroutine 中投递事件，并恢复 panic。
type Notifier interface {
	Notify(ctx context.Context, event string, fields map[string]any)
}

// NopNotifier 丢弃所有事件
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, map[string]any) {}

// =============================================================================
// zap
// =============================================================================

// LogNotifier 以 debug 级别把事件写入 zap 日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建 LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "trace_events"))}
}

func (n *LogNotifier) Notify(ctx context.Context, event string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+2)
	if id, ok := ctxkeys.TurnID(ctx); ok {
		zf = append(zf, zap.String("turn_id", id))
	}
	if id, ok := ctxkeys.ConversationID(ctx); ok {
		zf = append(zf, zap.String("conversation_id", id))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	n.logger.Debug(event, zf...)
}

// =============================================================================
// OpenTelemetry
// =============================================================================

// OTelNotifier 按事件名计数。span 事件由控制器直接记录在 step span 上。
type OTelNotifier struct {
	events metric.Int64Counter
}

// NewOTelNotifier 基于 meter 创建计数 notifier
func NewOTelNotifier(meter metric.Meter) (*OTelNotifier, error) {
	counter, err := meter.Int64Counter("evidenceloop.events",
		metric.WithDescription("Control-loop trace events by name"))
	if err != nil {
		return nil, fmt.Errorf("create event counter: %w", err)
	}
	return &OTelNotifier{events: counter}, nil
}

func (n *OTelNotifier) Notify(ctx context.Context, event string, _ map[string]any) {
	n.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func attributes(fields map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		case fmt.Stringer:
			out = append(out, attribute.String(k, val.String()))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiNotifier 把事件转发给多个 notifier
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event string, fields map[string]any) {
	for _, n := range m {
		n.Notify(ctx, event, fields)
	}
}
