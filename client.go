package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-studio/eventstream-go/auth"
	"github.com/opencode-studio/eventstream-go/wire"
)

var (
	// ErrAuthRequired indicates the server rejected the stream with 401.
	// The client stops permanently; the caller must re-authenticate and
	// construct a new client.
	ErrAuthRequired = errors.New("authentication required")

	// ErrStreamingUnsupported indicates the transport cannot produce a
	// readable byte stream. Unlike ordinary connect failures this is not
	// retried: the environment, not the network, is at fault.
	ErrStreamingUnsupported = errors.New("streaming responses unsupported by transport")
)

const (
	defaultRetryDelay   = 3 * time.Second
	maxRetryDelay       = 30 * time.Second
	defaultStallVisible = 45 * time.Second
	defaultStallHidden  = 3 * time.Minute

	debugInterval = 15 * time.Second
)

// SequenceGap describes a detected skip in the numeric cursor sequence,
// implying possibly-missed events between Previous and Current.
type SequenceGap struct {
	Previous uint64
	Expected uint64
	Current  uint64
}

// Option configures a Client.
type Option func(*config)

type config struct {
	directory        string
	lastEventID      string
	label            string
	onCursor         func(id string)
	onSequenceGap    func(SequenceGap)
	onError          func(error)
	disableReconnect bool
	retryDelay       time.Duration
	stallVisible     time.Duration
	stallHidden      time.Duration
	hidden           func() bool
	tokens           auth.TokenProvider
	authNotifier     auth.RequiredNotifier
	httpClient       *http.Client
	logger           *slog.Logger
	flushInterval    time.Duration
}

// WithDirectory scopes the stream to one workspace directory via the
// "directory" query parameter. Empty means the global stream.
func WithDirectory(dir string) Option {
	return func(c *config) { c.directory = dir }
}

// WithLastEventID resumes the stream from a previously observed cursor.
func WithLastEventID(id string) Option {
	return func(c *config) { c.lastEventID = id }
}

// WithLabel sets the diagnostic label used in logs and stats.
func WithLabel(label string) Option {
	return func(c *config) { c.label = label }
}

// WithCursorFunc registers a callback invoked whenever the cursor advances
// or resets. Callers typically persist the value for resumption.
func WithCursorFunc(fn func(id string)) Option {
	return func(c *config) { c.onCursor = fn }
}

// WithSequenceGapFunc registers a callback invoked when a numeric gap is
// detected in the id sequence.
func WithSequenceGapFunc(fn func(SequenceGap)) Option {
	return func(c *config) { c.onSequenceGap = fn }
}

// WithErrorFunc registers a callback invoked on every recoverable or fatal
// error before the retry/stop decision is finalized.
func WithErrorFunc(fn func(error)) Option {
	return func(c *config) { c.onError = fn }
}

// WithoutReconnect disables automatic reconnection: the first error of any
// kind permanently stops the client.
func WithoutReconnect() Option {
	return func(c *config) { c.disableReconnect = true }
}

// WithRetryDelay overrides the base reconnect delay (default 3s). The
// server's "retry:" field overrides it again at runtime.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithStallTimeouts sets how long the client waits for bytes before
// aborting a silent connection, for foreground and background operation
// respectively.
func WithStallTimeouts(visible, hidden time.Duration) Option {
	return func(c *config) { c.stallVisible, c.stallHidden = visible, hidden }
}

// WithHiddenFunc supplies the visibility probe selecting between the two
// stall timeouts. When nil the client always uses the foreground timeout.
func WithHiddenFunc(fn func() bool) Option {
	return func(c *config) { c.hidden = fn }
}

// WithTokenProvider supplies bearer tokens for outbound requests. When a
// token is present, requests are issued without cookies; otherwise the
// configured HTTP client's cookie jar applies.
func WithTokenProvider(tp auth.TokenProvider) Option {
	return func(c *config) { c.tokens = tp }
}

// WithAuthNotifier registers the sink for the auth-required signal emitted
// on a 401 response.
func WithAuthNotifier(n auth.RequiredNotifier) Option {
	return func(c *config) { c.authNotifier = n }
}

// WithHTTPClient overrides the HTTP client used for streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithLogger sets the slog logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithFlushInterval overrides the coalescing flush cadence (default ~16ms).
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// Client maintains a live, ordered, gap-detecting connection to a
// server-sent event feed, with automatic reconnection, cursor-based
// resumption and coalesced delivery. Construct with Connect; tear down
// with Close.
type Client struct {
	cfg     config
	url     string
	log     *slog.Logger
	onEvent func(*wire.Event)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	jarClient  *http.Client
	bareClient *http.Client

	coal *coalescer

	closeOnce sync.Once

	mu          sync.Mutex
	stats       Stats
	cursor      string
	cursorNum   uint64
	cursorIsNum bool
	allowReset  bool
	retryBase   time.Duration
	attempt     int
	lastDebug   time.Time
}

// Connect opens the stream and starts the connect-read-reconnect loop in a
// background goroutine. onEvent receives fully decoded, coalesced events in
// delivery order; it is invoked from the client's internal goroutines.
func Connect(ctx context.Context, endpoint string, onEvent func(*wire.Event), opts ...Option) (*Client, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("onEvent callback is required")
	}

	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL %q: %w", endpoint, err)
	}
	if cfg.directory != "" {
		q := u.Query()
		q.Set("directory", cfg.directory)
		u.RawQuery = q.Encode()
	}

	jarClient := cfg.httpClient
	if jarClient == nil {
		jarClient = http.DefaultClient
	}
	bare := *jarClient
	bare.Jar = nil

	runCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:        cfg,
		url:        u.String(),
		log:        cfg.logger,
		onEvent:    onEvent,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		jarClient:  jarClient,
		bareClient: &bare,
		retryBase:  cfg.retryDelay,
	}
	if c.retryBase <= 0 {
		c.retryBase = defaultRetryDelay
	}
	c.coal = newCoalescer(cfg.flushInterval, c.deliverBatch)
	c.stats = Stats{Label: cfg.label, URL: c.url, StartedAt: time.Now()}
	if cfg.lastEventID != "" {
		c.cursor = cfg.lastEventID
		c.cursorNum, c.cursorIsNum = parseCursor(cfg.lastEventID)
		c.stats.LastCursor = cfg.lastEventID
	}

	go c.run()
	return c, nil
}

// Close flushes pending events, cancels network activity and timers, and
// disables reconnection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.coal.Flush()
		c.cancel()
		c.coal.Stop()
	})
}

// Done is closed when the connection loop has stopped, either after Close
// or after a fatal error.
func (c *Client) Done() <-chan struct{} { return c.done }

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) run() {
	defer close(c.done)
	for {
		err := c.connectOnce()

		// Whatever ended the attempt, deliver buffered events before the
		// connection state machine moves on.
		c.coal.Flush()

		if c.ctx.Err() != nil {
			c.debug("stream.closed", true)
			return
		}
		if err == nil {
			return
		}

		c.recordError(err)
		if c.cfg.onError != nil {
			c.cfg.onError(err)
		}
		if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrStreamingUnsupported) {
			c.log.Warn("stream.stop.fatal", slog.String("label", c.cfg.label), slog.String("err", err.Error()))
			return
		}
		if c.cfg.disableReconnect {
			c.log.Info("stream.stop.no_reconnect", slog.String("label", c.cfg.label), slog.String("err", err.Error()))
			return
		}

		delay := c.nextBackoff()
		c.debug("stream.backoff", false, slog.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connectOnce runs one connection attempt end to end. A nil return means
// the client was explicitly closed; any error return feeds the reconnect
// decision in run.
func (c *Client) connectOnce() error {
	actx, acancel := context.WithCancel(c.ctx)
	defer acancel()

	var token string
	if c.cfg.tokens != nil {
		tok, err := c.cfg.tokens.Token(actx)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				return fmt.Errorf("acquire token: %w", ErrAuthRequired)
			}
			return fmt.Errorf("acquire token: %w", err)
		}
		token = tok
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cur := c.currentCursor(); cur != "" {
		req.Header.Set("Last-Event-ID", cur)
	}

	// With a bearer token, omit cookies; without one, the caller's cookie
	// jar is the credential. Never send both.
	httpc := c.jarClient
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		httpc = c.bareClient
	}

	c.debug("stream.connect", false)
	resp, err := httpc.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		reason := readErrorMessage(resp.Body)
		if c.cfg.authNotifier != nil {
			c.cfg.authNotifier.AuthRequired(c.ctx, reason)
		}
		if reason != "" {
			return fmt.Errorf("%w: %s", ErrAuthRequired, reason)
		}
		return ErrAuthRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return fmt.Errorf("stream response has no readable body")
	}

	c.markConnected()

	var stalled atomic.Bool
	var scanner wire.ChunkScanner
	buf := make([]byte, 16*1024)
	for {
		stall := time.AfterFunc(c.stallTimeout(), func() {
			stalled.Store(true)
			acancel()
		})
		n, err := resp.Body.Read(buf)
		stall.Stop()

		if n > 0 {
			c.markChunk()
			scanner.Write(buf[:n])
			for {
				block, ok := scanner.Next()
				if !ok {
					break
				}
				c.handleBlock(block)
			}
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if stalled.Load() {
				c.mu.Lock()
				c.stats.StallCount++
				c.mu.Unlock()
				return fmt.Errorf("stream stalled: no bytes for %s", c.stallTimeout())
			}
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by server")
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// handleBlock processes one complete wire block: retry hints, cursor
// acceptance and payload decoding. A stale id drops the whole block; a
// malformed payload drops just the payload.
func (c *Client) handleBlock(block string) {
	chunk := wire.ParseChunk(block)

	if chunk.HasRetry() {
		c.mu.Lock()
		c.retryBase = time.Duration(chunk.Retry) * time.Millisecond
		c.mu.Unlock()
	}

	if chunk.ID != "" && !c.acceptCursor(chunk.ID) {
		c.debug("stream.cursor.stale", false, slog.String("id", chunk.ID))
		return
	}
	if chunk.Data == "" {
		return
	}

	evt, ok := wire.Normalize([]byte(chunk.Data))
	if !ok {
		c.debug("stream.decode.drop", false)
		return
	}
	c.coal.enqueue(&evt)
}

// acceptCursor applies the cursor acceptance rule and reports whether the
// block carrying id should be processed. Within one connection accepted
// transitions are strictly increasing, except for a single permitted reset
// on the first id after a reconnect (the server may have restarted its
// sequence).
func (c *Client) acceptCursor(id string) bool {
	c.mu.Lock()

	prevSet := c.cursor != ""
	prevNum, prevIsNum := c.cursorNum, c.cursorIsNum
	newNum, newIsNum := parseCursor(id)

	var gap *SequenceGap
	if prevSet && prevIsNum && newIsNum {
		switch {
		case newNum == prevNum+1:
			// contiguous
		case newNum > prevNum+1:
			gap = &SequenceGap{Previous: prevNum, Expected: prevNum + 1, Current: newNum}
		default:
			if !c.allowReset {
				c.mu.Unlock()
				return false
			}
			// Server restarted its sequence; the backward jump is still a
			// gap from the consumer's point of view.
			gap = &SequenceGap{Previous: prevNum, Expected: prevNum + 1, Current: newNum}
		}
	}

	c.cursor = id
	c.cursorNum, c.cursorIsNum = newNum, newIsNum
	c.allowReset = false
	c.stats.LastCursor = id
	onGap, onCursor := c.cfg.onSequenceGap, c.cfg.onCursor
	c.mu.Unlock()

	if gap != nil && onGap != nil {
		onGap(*gap)
	}
	if onCursor != nil {
		onCursor(id)
	}
	return true
}

func (c *Client) deliverBatch(batch []*wire.Event) {
	for _, evt := range batch {
		c.emit(evt)
	}
	c.mu.Lock()
	c.stats.LastEventAt = time.Now()
	c.mu.Unlock()
}

// emit invokes the consumer callback for one event. A panicking callback
// is a caller bug; it is contained per event so one bad handler cannot
// wedge the flush or kill the connection loop.
func (c *Client) emit(evt *wire.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.stats.CallbackPanics++
			c.mu.Unlock()
			c.log.Error("stream.callback.panic",
				slog.String("label", c.cfg.label),
				slog.String("event_type", evt.Type),
				slog.Any("panic", r),
			)
		}
	}()
	c.onEvent(evt)
}

func (c *Client) currentCursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Client) stallTimeout() time.Duration {
	visible, hidden := c.cfg.stallVisible, c.cfg.stallHidden
	if visible <= 0 {
		visible = defaultStallVisible
	}
	if hidden <= 0 {
		hidden = defaultStallHidden
	}
	if c.cfg.hidden != nil && c.cfg.hidden() {
		return hidden
	}
	return visible
}

func (c *Client) markConnected() {
	c.mu.Lock()
	if c.stats.ConnectCount > 0 {
		c.stats.ReconnectCount++
	}
	c.stats.ConnectCount++
	c.attempt = 0
	c.allowReset = true
	c.mu.Unlock()
	c.debug("stream.connect.ok", true)
}

func (c *Client) markChunk() {
	c.mu.Lock()
	c.stats.LastChunkAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.stats.ErrorCount++
	c.stats.LastErrorAt = time.Now()
	c.stats.LastErrorMessage = err.Error()
	c.mu.Unlock()
}

func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := backoffDelay(c.retryBase, c.attempt)
	c.attempt++
	c.stats.LastBackoff = delay
	return delay
}

// backoffDelay computes min(base * 2^attempt, 30s).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryDelay
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// debug emits a rate-limited diagnostic snapshot. Purely observational; it
// must have no effect on delivery semantics.
func (c *Client) debug(event string, force bool, attrs ...any) {
	c.mu.Lock()
	if !force && time.Since(c.lastDebug) < debugInterval {
		c.mu.Unlock()
		return
	}
	c.lastDebug = time.Now()
	snap := c.stats
	c.mu.Unlock()

	args := append([]any{
		slog.String("label", snap.Label),
		slog.String("url", snap.URL),
		slog.String("cursor", snap.LastCursor),
		slog.Int("connects", snap.ConnectCount),
		slog.Int("errors", snap.ErrorCount),
	}, attrs...)
	c.log.Debug(event, args...)
}

func parseCursor(id string) (uint64, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	return n, err == nil
}

// readErrorMessage extracts a structured error message from a rejection
// body, tolerating both {"error":{"message":...}} and {"error":"..."}.
func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(body) == 0 {
		return ""
	}
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Error == nil {
		return ""
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(wrapped.Error, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	var s string
	if err := json.Unmarshal(wrapped.Error, &s); err == nil {
		return s
	}
	return ""
}
