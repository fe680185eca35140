package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSource 可被监听的指标文件目录
type WatchSource interface {
	Dir() string
	SymbolFromPath(path string) (string, bool)
	Invalidate(symbol string)
}

// TriggerFunc 文件变更后执行的回调
type TriggerFunc func(ctx context.Context, symbol string)

// IndicatorWatcher 监听指标目录，文件稳定 debounce 时长后触发一次运行
type IndicatorWatcher struct {
	source   WatchSource
	debounce time.Duration
	trigger  TriggerFunc
	allowed  map[string]struct{}
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*debounceEntry
	ready   chan string
}

// debounceEntry 每个待触发股票一个；被替换的条目到期后不再发送
type debounceEntry struct {
	timer *time.Timer
}

// NewIndicatorWatcher 创建监听器，symbols 为空时接受目录下所有股票
func NewIndicatorWatcher(source WatchSource, symbols []string, debounce time.Duration, trigger TriggerFunc, logger *zap.Logger) *IndicatorWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		allowed[s] = struct{}{}
	}
	return &IndicatorWatcher{
		source:   source,
		debounce: debounce,
		trigger:  trigger,
		allowed:  allowed,
		logger:   logger,
		pending:  make(map[string]*debounceEntry),
		ready:    make(chan string, 64),
	}
}

// Run 阻塞直到 ctx 结束；回调在本 goroutine 中依次执行
func (w *IndicatorWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.source.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.source.Dir(), err)
	}
	w.logger.Info("watching indicator dir",
		zap.String("dir", w.source.Dir()),
		zap.Duration("debounce", w.debounce))
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case symbol := <-w.ready:
			w.source.Invalidate(symbol)
			w.trigger(ctx, symbol)
		}
	}
}

func (w *IndicatorWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	symbol, ok := w.source.SymbolFromPath(event.Name)
	if !ok {
		return
	}
	if len(w.allowed) > 0 {
		if _, ok := w.allowed[symbol]; !ok {
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(symbol)
}

// scheduleLocked 重置或创建 symbol 的去抖定时器，调用方需持有 w.mu
func (w *IndicatorWatcher) scheduleLocked(symbol string) {
	if entry, exists := w.pending[symbol]; exists && entry.timer.Stop() {
		entry.timer.Reset(w.debounce)
		return
	}
	// 旧定时器若已到期，其回调会发现条目已被替换而放弃发送
	entry := &debounceEntry{}
	entry.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.pending[symbol] != entry {
			w.mu.Unlock()
			return
		}
		delete(w.pending, symbol)
		w.mu.Unlock()
		select {
		case w.ready <- symbol:
		default:
			w.logger.Warn("trigger queue full, dropping change", zap.String("symbol", symbol))
		}
	})
	w.pending[symbol] = entry
}

func (w *IndicatorWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for symbol, entry := range w.pending {
		entry.timer.Stop()
		delete(w.pending, symbol)
	}
}
