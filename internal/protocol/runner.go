package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// Delegate is the set of override points a concrete command provides to the
// shared Runner. This replaces the deep mutable-base-class hierarchy of
// classic protocol stacks with plain composition: each command holds a
// Runner and hands it a Delegate.
type Delegate interface {
	// MakeRequest builds the wire request for this round trip.
	MakeRequest(ctx context.Context) (*Request, error)

	// StatusToEvent maps a decoded top-level status to an event.
	// Implementations must chain to TopLevelStatusToEvent for codes they
	// do not handle. Returning statemachine.EvUnhandled routes the
	// response into ProcessResponse.
	StatusToEvent(status int) statemachine.Event

	// ProcessResponse handles a response the status tables did not
	// resolve: either a decoded document with an unmapped status, or a
	// non-codec body (doc is nil then). It returns the event to post.
	ProcessResponse(ctx context.Context, resp *Response,
		doc *Document) (statemachine.Event, error)

	// CancelCleanup runs when the round trip ends in cancellation or a
	// transport error, before any event is posted.
	CancelCleanup()
}

// RunnerConfig packages the collaborators shared by every command.
type RunnerConfig struct {
	// Name tags the command in log output.
	Name string

	Source    DataSource
	Transport Transport
	Codec     Codec
	Owner     Owner

	// Events maps redo signals onto the parent machine's event space.
	Events EventSet

	// Retry gates server-requested delayed retries.
	Retry RetryPolicy

	// Timeout bounds each round trip; zero means DefaultTimeout.
	Timeout time.Duration
}

// Runner owns one command's round-trip plumbing: it sends the request,
// translates the outcome into exactly one FSM event (or none on
// caller-initiated cancellation), and guarantees the parent machine never
// stalls waiting for a reply that will not arrive.
type Runner struct {
	cfg RunnerConfig

	mu        sync.Mutex
	cancelFn  context.CancelFunc
	cancelled bool
	timer     *time.Timer
}

// NewRunner builds a Runner from the given config.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Execute builds the request via the delegate and launches the round trip.
// It returns once the request is in flight; the outcome is posted to parent
// asynchronously.
func (r *Runner) Execute(parent *statemachine.Machine, d Delegate) error {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancelFn = cancel
	r.cancelled = false
	r.mu.Unlock()

	req, err := d.MakeRequest(ctx)
	if err != nil {
		cancel()
		return err
	}
	if req == nil {
		cancel()
		return fmt.Errorf("%s: delegate produced no request", r.cfg.Name)
	}
	if req.Timeout == 0 {
		req.Timeout = r.cfg.Timeout
	}

	go r.roundTrip(ctx, parent, d, req)

	return nil
}

// Cancel requests cooperative abort of the in-flight transport call and
// stops any scheduled delayed relaunch. Idempotent. After a caller-initiated
// cancel, no event is posted: the caller already knows it cancelled.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled = true
	if r.cancelFn != nil {
		r.cancelFn()
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// wasCancelled reports whether Cancel was requested by the caller.
func (r *Runner) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cancelled
}

// roundTrip performs the transport call and posts the resulting event.
func (r *Runner) roundTrip(ctx context.Context,
	parent *statemachine.Machine, d Delegate, req *Request,
) {
	resp, err := r.cfg.Transport.RoundTrip(ctx, req)
	if err != nil {
		d.CancelCleanup()

		// Caller-requested cancellation posts nothing; a timeout at
		// the transport layer is indistinguishable from it, so the
		// cancelled flag is what disambiguates.
		if r.wasCancelled() {
			log.Debugf("%s: cancelled by caller", r.cfg.Name)
			return
		}

		if errors.Is(err, ErrCertUntrusted) {
			log.Warnf("%s: untrusted server certificate: %v",
				r.cfg.Name, err)
			r.cfg.Owner.CertApprovalRequired(r.cfg.Source.AccountID())
			parent.PostEvent(statemachine.EvTempFail, nil)

			return
		}

		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {

			log.Debugf("%s: request timed out", r.cfg.Name)
			parent.PostEvent(statemachine.EvTempFail, nil)

			return
		}

		log.Debugf("%s: transport error: %v", r.cfg.Name, err)
		parent.PostEvent(statemachine.EvTempFail, nil)

		return
	}

	ev, arg, post := r.mapResponse(ctx, parent, d, resp)

	// Release the execution context; Cancel keeps working for the
	// delayed-relaunch timer via the timer field.
	r.mu.Lock()
	if r.cancelFn != nil {
		r.cancelFn()
		r.cancelFn = nil
	}
	r.mu.Unlock()

	if post {
		parent.PostEvent(ev, arg)
	}
}

// mapResponse applies the fixed status-code mapping from the command
// contract. The returned bool is false when no event should be posted (the
// 451 redirect and 503 delayed-retry paths post asynchronously themselves).
func (r *Runner) mapResponse(ctx context.Context,
	parent *statemachine.Machine, d Delegate, resp *Response,
) (statemachine.Event, any, bool) {
	acctID := r.cfg.Source.AccountID()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return r.processContent(ctx, d, resp)

	case resp.StatusCode == 400 || resp.StatusCode == 404:
		return statemachine.EvHardFail, nil, true

	case resp.StatusCode == 449:
		// Policy required: redo provisioning.
		return r.cfg.Events.ReProv, nil, true

	case resp.StatusCode == 451:
		return r.handleRedirect(ctx, parent, resp)

	case resp.StatusCode == 503:
		return r.handleBusy(parent, resp)

	case resp.StatusCode == 507:
		r.cfg.Owner.OutOfSpace(acctID)
		return statemachine.EvTempFail, nil, true

	case resp.StatusCode == 401 || resp.StatusCode == 403 ||
		resp.StatusCode == 500 ||
		(resp.StatusCode >= 300 && resp.StatusCode < 400):

		// With the protocol-retry marker the server wants the same
		// phase retried; without it the endpoint itself is suspect.
		if resp.Header(HdrRetryPolicy) != "" {
			return r.cfg.Events.ReSync, nil, true
		}

		return r.cfg.Events.ReDisc, nil, true

	default:
		return statemachine.EvHardFail, nil, true
	}
}

// processContent handles a 200-class response: structured bodies go through
// the codec and the status tables, everything else goes straight to the
// delegate.
func (r *Runner) processContent(ctx context.Context, d Delegate,
	resp *Response,
) (statemachine.Event, any, bool) {
	if resp.ContentType != r.cfg.Codec.ContentType() || len(resp.Body) == 0 {
		ev, err := d.ProcessResponse(ctx, resp, nil)
		if err != nil {
			log.Errorf("%s: process response: %v", r.cfg.Name, err)
			return statemachine.EvHardFail, nil, true
		}

		return ev, nil, true
	}

	doc, err := r.cfg.Codec.Decode(resp.Body)
	if err != nil {
		log.Errorf("%s: decode response: %v", r.cfg.Name, err)
		return statemachine.EvHardFail, nil, true
	}

	// A device block is a user-visible condition, not just a failed
	// round trip: surface it before the status table turns it into a
	// hard failure.
	if doc.Status == StatusDeviceBlocked {
		r.cfg.Owner.TooManyDevices(r.cfg.Source.AccountID())
	}

	if ev := d.StatusToEvent(doc.Status); ev != statemachine.EvUnhandled {
		return ev, nil, true
	}

	ev, err := d.ProcessResponse(ctx, resp, doc)
	if err != nil {
		log.Errorf("%s: process response: %v", r.cfg.Name, err)
		return statemachine.EvHardFail, nil, true
	}

	return ev, nil, true
}

// handleRedirect persists the server-supplied endpoint and re-launches. A
// malformed location header falls back to rediscovery with no endpoint
// mutation.
func (r *Runner) handleRedirect(ctx context.Context,
	parent *statemachine.Machine, resp *Response,
) (statemachine.Event, any, bool) {
	loc := resp.Header(HdrLocation)
	parsed, err := url.Parse(loc)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		log.Warnf("%s: malformed redirect location %q", r.cfg.Name, loc)
		return r.cfg.Events.ReDisc, nil, true
	}

	ep := &store.Endpoint{
		AccountID: r.cfg.Source.AccountID(),
		Scheme:    parsed.Scheme,
		Host:      parsed.Hostname(),
		Path:      parsed.Path,
	}
	switch {
	case parsed.Port() != "":
		ep.Port, _ = strconv.Atoi(parsed.Port())
	case parsed.Scheme == "http":
		ep.Port = 80
	default:
		ep.Port = 443
	}

	err = r.cfg.Source.Store().UpdateEndpoint(ctx, ep)
	if err != nil {
		log.Errorf("%s: persist redirect endpoint: %v", r.cfg.Name, err)
		return statemachine.EvTempFail, nil, true
	}

	log.Infof("%s: server redirect to %s://%s:%d%s", r.cfg.Name,
		ep.Scheme, ep.Host, ep.Port, ep.Path)

	return statemachine.EvLaunch, nil, true
}

// handleBusy schedules a delayed re-launch when the server asked for one and
// the retry policy permits; otherwise it degrades to TempFail.
func (r *Runner) handleBusy(parent *statemachine.Machine,
	resp *Response,
) (statemachine.Event, any, bool) {
	retryAfter := fn.None[time.Duration]()
	if raw := resp.Header(HdrRetryAfter); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			retryAfter = fn.Some(time.Duration(secs) * time.Second)
		}
	}

	delay, ok := r.cfg.Retry.Permit(retryAfter)
	if !retryAfter.IsSome() || !ok {
		return statemachine.EvTempFail, nil, true
	}

	r.cfg.Owner.ServerBusy(r.cfg.Source.AccountID(), delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return statemachine.EvTempFail, nil, false
	}
	r.timer = time.AfterFunc(delay, func() {
		parent.PostEvent(statemachine.EvLaunch, nil)
	})

	return statemachine.EvTempFail, nil, false
}
