package session

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

const (
	// crossSyncSettle lets a burst of file events collapse into one cache
	// read.
	crossSyncSettle    = 100 * time.Millisecond
	wsReconnectBase    = time.Second
	wsReconnectCeiling = 30 * time.Second
)

type CrossSyncOptions struct {
	Cache       *persist.DiskCache
	IdentityKey string
	// WriterID identifies this context; self-originated change
	// notifications are dropped to avoid feedback loops.
	WriterID string
	// EventsURL, when set, subscribes to the remote store's websocket
	// change feed for cross-device pushes.
	EventsURL string
	Token     string
	Logger    zerolog.Logger
	// Apply receives externally-originated records; the engine routes
	// them through the conflict resolver before touching the store.
	Apply func(layout.Record)
}

// CrossSync watches for persistence changes made by other contexts for
// the same identity: other processes on this device via the cache
// directory, other devices via the remote change feed.
type CrossSync struct {
	cache       *persist.DiskCache
	identityKey string
	writerID    string
	eventsURL   string
	token       string
	logger      zerolog.Logger
	apply       func(layout.Record)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCrossSync(opts CrossSyncOptions) *CrossSync {
	return &CrossSync{
		cache:       opts.Cache,
		identityKey: opts.IdentityKey,
		writerID:    opts.WriterID,
		eventsURL:   opts.EventsURL,
		token:       opts.Token,
		logger:      opts.Logger,
		apply:       opts.Apply,
	}
}

// Start launches the watchers; they run until ctx is done or Close is
// called.
func (c *CrossSync) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	var watcher *fsnotify.Watcher
	if c.cache != nil {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return err
		}
		if err := watcher.Add(c.cache.BasePath()); err != nil {
			_ = watcher.Close()
			cancel()
			return err
		}
	}

	go func() {
		defer close(c.done)
		if watcher != nil {
			defer func() { _ = watcher.Close() }()
		}
		feed := make(chan layout.Record, 4)
		if c.eventsURL != "" {
			go c.consumeRemoteFeed(ctx, feed)
		}

		var settle *time.Timer
		var settleCh <-chan time.Time
		cacheFile := persist.CacheKey(c.identityKey)
		for {
			var fsEvents chan fsnotify.Event
			var fsErrors chan error
			if watcher != nil {
				fsEvents = watcher.Events
				fsErrors = watcher.Errors
			}
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsEvents:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != cacheFile {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if settle == nil {
					settle = time.NewTimer(crossSyncSettle)
				} else {
					settle.Reset(crossSyncSettle)
				}
				settleCh = settle.C
			case err, ok := <-fsErrors:
				if !ok {
					return
				}
				c.logger.Warn().Err(err).Msg("cache watcher error")
			case <-settleCh:
				settleCh = nil
				c.handleCacheChange()
			case rec := <-feed:
				c.dispatch(rec)
			}
		}
	}()
	return nil
}

func (c *CrossSync) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *CrossSync) handleCacheChange() {
	entry, err := c.cache.ReadEntry(c.identityKey)
	if err != nil {
		c.logger.Debug().Err(err).Msg("cache change unreadable, ignoring")
		return
	}
	c.dispatch(entry.Record)
}

func (c *CrossSync) dispatch(rec layout.Record) {
	if rec.WriterID == c.writerID {
		return
	}
	if c.apply != nil {
		c.apply(rec)
	}
}

// consumeRemoteFeed keeps a websocket subscription to the remote change
// feed alive, reconnecting with backoff.
func (c *CrossSync) consumeRemoteFeed(ctx context.Context, feed chan<- layout.Record) {
	delay := wsReconnectBase
	for ctx.Err() == nil {
		err := c.readFeedOnce(ctx, feed)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug().Err(err).Dur("retryIn", delay).Msg("remote change feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsReconnectCeiling {
			delay = wsReconnectCeiling
		}
	}
}

func (c *CrossSync) readFeedOnce(ctx context.Context, feed chan<- layout.Record) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.eventsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Debug().Str("url", c.eventsURL).Msg("subscribed to remote change feed")
	for {
		var rec layout.Record
		if err := wsjson.Read(ctx, conn, &rec); err != nil {
			return err
		}
		select {
		case feed <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
