// Package file is a directory-backed EventBus that survives restarts and can
// be shared by processes on one host.
//
// Books are written as JSON files into root/<domain>/<group>/. Workers of a
// group claim a file by renaming it, handle it, and delete it on success. A
// failed file is renamed back and retried after a delay. Projector output is
// written to a separate output directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

const (
	bookSuffix  = ".json"
	tmpSuffix   = ".tmp"
	claimSuffix = ".claim"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

type subscriber struct {
	name    string
	dir     string
	handler cqrs.EventBookHandler
	cancel  context.CancelFunc
}

// EventBus is a file-based cqrs.EventBus.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	root   string
	closed bool
	wg     sync.WaitGroup
	errs   chan error

	retryMu sync.Mutex
	retryAt map[string]time.Time

	outputDir    string
	pollInterval time.Duration
	retryDelay   time.Duration
	claimTimeout time.Duration
	logger       *logrus.Entry
}

var _ cqrs.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithOutputDir sets where projector output events are written.
func WithOutputDir(dir string) Option {
	return func(b *EventBus) {
		b.outputDir = dir
	}
}

// WithPollInterval sets how often directories are rescanned for files whose
// notification was missed or whose retry delay expired.
func WithPollInterval(d time.Duration) Option {
	return func(b *EventBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithRetryDelay sets how long a failed book waits before redelivery.
func WithRetryDelay(d time.Duration) Option {
	return func(b *EventBus) {
		b.retryDelay = d
	}
}

// WithClaimTimeout sets the age after which a claim left by a crashed
// worker is released.
func WithClaimTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		if d > 0 {
			b.claimTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus constructs the bus in root.
func NewEventBus(root string, opts ...Option) (*EventBus, error) {
	b := &EventBus{
		root:         root,
		errs:         make(chan error, 64),
		retryAt:      make(map[string]time.Time),
		outputDir:    filepath.Join(root, "_output"),
		pollInterval: time.Second,
		retryDelay:   time.Second,
		claimTimeout: time.Minute,
		logger:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return b, nil
}

// Subscribe adds a worker to group name of domain. Each book is handled by
// one worker of the group, in any process sharing root.
func (b *EventBus) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if err := checkName(name); err != nil {
		return err
	}
	if err := checkName(domain); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	dir := filepath.Join(b.root, domain, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{name: name, dir: dir, handler: handler, cancel: cancel}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s, watcher)
	return nil
}

// Publish writes book into every group directory of its domain.
func (b *EventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := checkName(book.Cover.Domain); err != nil {
		return err
	}

	data, err := json.Marshal(book)
	if err != nil {
		return err
	}

	domainDir := filepath.Join(b.root, book.Cover.Domain)
	groups, err := os.ReadDir(domainDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return cqrs.WrapTransport("publish", err)
	}

	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		if err := writeAtomic(filepath.Join(domainDir, g.Name()), fileName(), data); err != nil {
			return cqrs.WrapTransport("publish", err)
		}
	}
	return nil
}

// PublishOutput writes each event as a structured-mode JSON file.
func (b *EventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return err
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode output %s: %w", ev.ID(), err)
		}
		if err := writeAtomic(b.outputDir, fileName(), data); err != nil {
			return err
		}
	}
	return nil
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close shuts down the bus and waits for workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

// runSubscriber watches the group directory for new books.
func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	defer watcher.Close()

	log := b.logger.WithFields(logrus.Fields{"handler": s.name, "dir": s.dir})

	// Crash recovery: release stale claims and process what is already there
	b.releaseStaleClaims(s.dir, log)
	b.processDir(ctx, s, log)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 && strings.HasSuffix(ev.Name, bookSuffix) {
				b.processFile(ctx, s, ev.Name, log)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher error")

		case <-ticker.C:
			b.processDir(ctx, s, log)
		}
	}
}

func (b *EventBus) processDir(ctx context.Context, s *subscriber, log *logrus.Entry) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.WithError(err).Warn("failed to list books")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), bookSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		b.processFile(ctx, s, filepath.Join(s.dir, name), log)
	}
}

// processFile claims, decodes and handles a single book. The file is
// deleted on success and released for a later retry on failure.
func (b *EventBus) processFile(ctx context.Context, s *subscriber, path string, log *logrus.Entry) {
	if !b.due(path) {
		return
	}

	claimed := path + claimSuffix
	if err := os.Rename(path, claimed); err != nil {
		// Another worker owns it or it is already gone
		return
	}
	now := time.Now()
	_ = os.Chtimes(claimed, now, now)

	data, err := os.ReadFile(claimed)
	if err != nil {
		b.release(claimed, path, log)
		return
	}

	var book cqrs.EventBook
	if err := json.Unmarshal(data, &book); err != nil {
		log.WithError(err).WithField("file", path).Error("dropping undecodable book")
		b.report(&cqrs.DecodeError{Err: fmt.Errorf("%s: %w", filepath.Base(path), err)})
		_ = os.Remove(claimed)
		return
	}

	if err := s.handler(ctx, book); err != nil {
		log.WithError(err).WithField("stream", book.Cover.StreamID()).Debug("delivery failed, will retry")
		b.report(fmt.Errorf("handler %q: stream %s: %w", s.name, book.Cover.StreamID(), err))
		b.release(claimed, path, log)
		return
	}

	_ = os.Remove(claimed)
	b.retryMu.Lock()
	delete(b.retryAt, path)
	b.retryMu.Unlock()
}

func (b *EventBus) release(claimed, path string, log *logrus.Entry) {
	b.retryMu.Lock()
	b.retryAt[path] = time.Now().Add(b.retryDelay)
	b.retryMu.Unlock()
	if err := os.Rename(claimed, path); err != nil {
		log.WithError(err).WithField("file", path).Warn("failed to release claim")
	}
}

func (b *EventBus) due(path string) bool {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	at, ok := b.retryAt[path]
	return !ok || !time.Now().Before(at)
}

func (b *EventBus) releaseStaleClaims(dir string, log *logrus.Entry) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), claimSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < b.claimTimeout {
			continue
		}
		claimed := filepath.Join(dir, e.Name())
		if err := os.Rename(claimed, strings.TrimSuffix(claimed, claimSuffix)); err == nil {
			log.WithField("file", e.Name()).Info("released stale claim")
		}
	}
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// fileName sorts by publish time and stays unique across processes.
func fileName() string {
	return fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), bookSuffix)
}

func writeAtomic(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "_") {
		return fmt.Errorf("invalid directory name %q", name)
	}
	return nil
}
