package admin

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "mailbot/internal/runtime/supervisor"
	kit "mailbot/internal/transport"
	logx "mailbot/pkg/logx"
)

// Request is one routed update.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Route   string
	Text    string
	Payload string
	ReqID   string
	Logger  logx.Logger

	ad       kit.Adapter
	answered atomic.Bool
}

func (r *Request) key() sessionKey { return sessionKey{ChatID: r.Chat.ChatID, UserID: r.FromID} }

// Answer responds to the callback behind this request. Only the first
// answer is sent; message requests ignore it.
func (r *Request) Answer(ctx context.Context, text string, alert bool) {
	if r.Update.Callback == nil || !r.answered.CompareAndSwap(false, true) {
		return
	}
	if err := r.ad.AnswerCallback(ctx, r.Update.Callback.ID, text, alert); err != nil {
		r.Logger.Debug("answer callback failed", logx.Err(err))
	}
}

// Route resolves an update to a handler. ok=false drops the update.
type RouteFunc func(up kit.Update) (route string, h HandlerFunc, ok bool)

const (
	defaultWorkers   = 4
	workerQueueCap   = 64
	handlerTimeout   = 30 * time.Second
	drainGracePeriod = 3 * time.Second
)

// Dispatcher fans updates out to a small worker pool. Updates of one chat
// always land on the same worker, so a dialog never sees its inputs reordered.
type Dispatcher struct {
	log     logx.Logger
	ad      kit.Adapter
	resolve RouteFunc
	workers int

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	queues  []chan func()
	running bool
}

func NewDispatcher(log logx.Logger, ad kit.Adapter, resolve RouteFunc, workers int) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{log: log, ad: ad, resolve: resolve, workers: workers}
}

// Snapshot exposes the worker supervisor state.
func (d *Dispatcher) Snapshot() rtsup.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup.Snapshot()
}

func (d *Dispatcher) tryEnqueue(chatID int64, fn func()) (ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || len(d.queues) == 0 {
		return false
	}
	idx := int(uint64(chatID) % uint64(len(d.queues)))
	select {
	case d.queues[idx] <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx ends or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "admin.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	queues := make([]chan func(), d.workers)
	for i := range queues {
		queues[i] = make(chan func(), workerQueueCap)
	}
	d.mu.Lock()
	d.sup, d.queues, d.running = sup, queues, true
	d.mu.Unlock()

	d.log.Info("update dispatcher started", logx.Int("workers", d.workers), logx.Int("queue_cap", workerQueueCap))

	for i := range queues {
		idx := i
		q := queues[i]
		sup.GoRestart("admin.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								d.log.Error("panic in update job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		d.mu.Lock()
		d.running = false
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), drainGracePeriod)
		_ = sup.Wait(wctx)
		cancel()
		d.log.Info("update dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			d.dispatch(ctx, up)
		}
	}
}

// dispatch queues up on its chat's worker. Routing happens inside the job,
// after earlier updates of the same chat ran, so it sees the session state
// they left behind.
func (d *Dispatcher) dispatch(root context.Context, up kit.Update) {
	req, ok := newRequest(up, d.ad)
	if !ok {
		return
	}
	req.ReqID = newReqID()
	req.Logger = d.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
	)

	job := func() {
		route, h, ok := d.resolve(up)
		if ok {
			req.Route = route
			req.Logger = req.Logger.With(logx.String("route", route))
			final := Chain(h,
				MWPanicRecover(d.log),
				MWRequestLog(d.log),
				MWTimeout(handlerTimeout),
			)
			_ = final(root, req)
		}
		// Stop the loading spinner when the handler did not answer itself.
		req.Answer(root, "", false)
	}
	if !d.tryEnqueue(req.Chat.ChatID, job) {
		req.Logger.Warn("update dropped: worker queue full")
		req.Answer(root, "Бот перегружен, попробуйте ещё раз.", false)
	}
}

// newRequest fills the chat and sender of up. ok=false when the update
// carries nothing to handle.
func newRequest(up kit.Update, ad kit.Adapter) (*Request, bool) {
	req := &Request{Update: up, ad: ad}
	switch {
	case up.Message != nil:
		req.Chat = kit.ChatTarget{ChatID: up.Message.ChatID}
		req.FromID = up.Message.FromID
		req.Text = up.Message.Text
	case up.Callback != nil:
		req.Chat = kit.ChatTarget{ChatID: up.Callback.ChatID}
		req.FromID = up.Callback.FromID
		req.Payload = callbackPayload(up.Callback.Data)
	case up.Post != nil:
		req.Chat = kit.ChatTarget{ChatID: up.Post.ChatID}
	default:
		return nil, false
	}
	return req, true
}

func newReqID() string {
	id := uuid.NewString()
	return id[:8]
}
