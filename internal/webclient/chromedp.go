package webclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/biblio/internal/logging"
)

// ChromeDPClient renders pages in a headless browser before snapshotting
// the DOM. Used for documentation sites that build their content with
// client-side JavaScript.
type ChromeDPClient struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	idleAfter   time.Duration
	timeout     time.Duration
	logger      logging.Logger

	closeOnce sync.Once
}

// NewChromeDPClient starts a shared browser allocator. Call Close to tear
// the browser down.
func NewChromeDPClient(cfg Config, logger logging.Logger) (*ChromeDPClient, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if cfg.Headless != nil && !*cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	idleAfter := cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	componentLogger := logger.With(logging.Field{Key: "backend", Value: BackendChromedp})
	componentLogger.Debug("created chromedp webclient",
		logging.Field{Key: "idle_after", Value: idleAfter.String()})

	return &ChromeDPClient{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		idleAfter:   idleAfter,
		timeout:     timeout,
		logger:      componentLogger,
	}, nil
}

// Do navigates to the URL, waits for the network to go quiet, then returns
// the rendered DOM. Only GET semantics are supported; the browser always
// reports status 200 for pages it could render.
func (c *ChromeDPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx)
	defer tabCancel()

	// Propagate caller cancellation into the tab.
	go func() {
		select {
		case <-ctx.Done():
			tabCancel()
		case <-tabCtx.Done():
		}
	}()

	idleCh := waitNetworkIdle(tabCtx, c.idleAfter)

	var statusCode int64 = http.StatusOK
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			atomic.StoreInt64(&statusCode, resp.Response.Status)
		}
	})

	if err := chromedp.Run(tabCtx, chromedp.Navigate(req.URL)); err != nil {
		return nil, err
	}

	select {
	case <-idleCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{
		Request:    req,
		Headers:    headers,
		Body:       []byte(html),
		StatusCode: int(atomic.LoadInt64(&statusCode)),
		FetchedAt:  time.Now(),
	}, nil
}

// Close shuts the browser allocator down. Idempotent.
func (c *ChromeDPClient) Close() error {
	c.closeOnce.Do(c.allocCancel)
	return nil
}

// waitNetworkIdle closes the returned channel once no request has been in
// flight for idleAfter.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) <-chan struct{} {
	idleCh := make(chan struct{})
	var (
		activeReqs int32
		timerMu    sync.Mutex
		timer      *time.Timer
		once       sync.Once
	)

	startTimer := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) == 0 {
				once.Do(func() { close(idleCh) })
			}
		})
	}
	// Pages with zero subresources never emit loading events.
	startTimer()

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) <= 0 {
				startTimer()
			}
		}
	})

	return idleCh
}
