package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	operatorMaxRunes  = 3500
	operatorMaxValue  = 600
	operatorSendLimit = 15 * time.Second
)

// Sender delivers one operator log line.
type Sender interface {
	SendOperator(ctx context.Context, text string) error
}

var reportedMarker = []byte(`"` + reportedKey + `":true`)

// Keys whose values never leave the process.
var secretKeys = []string{"password", "token", "secret", "authorization"}

// operatorSink is a zerolog writer that queues lines for the chat debug
// channel. Writes never block: over the rate limit or with a full queue the
// line is dropped and counted.
type operatorSink struct {
	queue   chan string
	dropped atomic.Uint64

	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func newOperatorSink(sender Sender, backlog int) *operatorSink {
	return &operatorSink{
		queue:    make(chan string, backlog),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (o *operatorSink) setSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

// configure applies level and rate; the worker starts on first enable.
func (o *operatorSink) configure(cfg OpsConfig) {
	rps := max(1, cfg.RatePerSec)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled || o.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.started, o.cancel, o.done = true, cancel, make(chan struct{})
	go o.run(ctx)
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *operatorSink) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, operatorSendLimit)
			// A failed send cannot be logged without feeding this sink.
			_ = sender.SendOperator(sctx, line)
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ready := o.sender != nil && level >= o.minLevel
	lim := o.limiter
	o.mu.Unlock()
	if !ready || bytes.Contains(p, reportedMarker) {
		return len(p), nil
	}
	if !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	select {
	case o.queue <- formatOperatorLine(p):
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

// formatOperatorLine renders a zerolog JSON line for chat:
//
//	[WARN] engine: change feed cycle failed
//	- err=...
//
// Remaining keys follow in sorted order; secrets are masked.
func formatOperatorLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncateRunes(strings.TrimSpace(string(p)), operatorMaxRunes)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "level", "comp", "time", zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if isSecretKey(k) {
			v = "<redacted>"
		}
		b.WriteString("\n- " + k + "=" + truncateRunes(v, operatorMaxValue))
	}
	return truncateRunes(b.String(), operatorMaxRunes)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
