package messaging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
)

// LogTemplates holds the per-message-type log lines rendered around a
// dispatch. Templates see a LogData value.
type LogTemplates struct {
	mu      sync.RWMutex
	entries map[string]*logTemplate
}

type logTemplate struct {
	before  *template.Template
	after   *template.Template
	onError *template.Template
}

// LogData is the template input.
type LogData struct {
	Message       contracts.Message
	Type          string
	ID            string
	CorrelationID string
	Result        any
	Err           error
	Duration      time.Duration
}

func NewLogTemplates() *LogTemplates {
	return &LogTemplates{entries: make(map[string]*logTemplate)}
}

// Add parses the templates for messageType. An empty text disables that
// hook.
func (t *LogTemplates) Add(messageType, before, after, onError string) error {
	entry := &logTemplate{}
	var err error
	if entry.before, err = parseLogTemplate(messageType, "before", before); err != nil {
		return err
	}
	if entry.after, err = parseLogTemplate(messageType, "after", after); err != nil {
		return err
	}
	if entry.onError, err = parseLogTemplate(messageType, "error", onError); err != nil {
		return err
	}

	t.mu.Lock()
	t.entries[messageType] = entry
	t.mu.Unlock()
	return nil
}

func (t *LogTemplates) lookup(messageType string) (*logTemplate, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[messageType]
	return entry, ok
}

func parseLogTemplate(messageType, hook, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	tmpl, err := template.New(messageType + "." + hook).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template for %s: %w", hook, messageType, err)
	}
	return tmpl, nil
}

// LoggingMiddleware logs before the handler runs, after it succeeds, and
// when it fails, using the templates registered for the message type.
// Types without templates are dispatched without logging. Handler errors
// are always returned unchanged.
func LoggingMiddleware(templates *LogTemplates, logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg contracts.Message, next Invoker) (any, error) {
		entry, ok := templates.lookup(msg.GetType())
		if !ok {
			return next(ctx, msg)
		}

		data := LogData{
			Message:       msg,
			Type:          msg.GetType(),
			ID:            msg.GetID(),
			CorrelationID: correlation.IDFrom(ctx),
		}
		if data.CorrelationID == "" {
			data.CorrelationID = msg.GetCorrelationID()
		}
		attrs := []any{"messageType", data.Type, "messageId", data.ID}
		if scope, ok := ScopeFrom(ctx); ok {
			attrs = append(attrs, "scopeId", scope.ID)
		}

		render(ctx, logger, slog.LevelInfo, entry.before, data, attrs)

		start := time.Now()
		result, err := next(ctx, msg)
		data.Duration = time.Since(start)
		data.Result = result

		if err != nil {
			data.Err = err
			render(ctx, logger, slog.LevelError, entry.onError, data, append(attrs, "error", err))
			return result, err
		}
		render(ctx, logger, slog.LevelInfo, entry.after, data, append(attrs, "duration", data.Duration))
		return result, nil
	}
}

func render(ctx context.Context, logger *slog.Logger, level slog.Level, tmpl *template.Template, data LogData, attrs []any) {
	if tmpl == nil {
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.WarnContext(ctx, "dispatch log template failed", "template", tmpl.Name(), "error", err)
		return
	}
	logger.Log(ctx, level, buf.String(), attrs...)
}
