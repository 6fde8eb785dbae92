package protocol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// Autodiscover sub-machine states.
const (
	// adProbeWait waits for the current candidate's probe round trip.
	adProbeWait = statemachine.StateLast + iota
)

// adStateName names the autodiscover sub-states for log output.
func adStateName(st statemachine.State) string {
	if st == adProbeWait {
		return "ProbeWait"
	}

	return ""
}

// AutodiscoverCommand finds the account's endpoint by probing a fixed ladder
// of candidate hosts derived from the mail domain. The first candidate that
// answers wins and is persisted; auth rejection anywhere is a hard failure
// (wrong credentials probe the same everywhere); exhausting the ladder asks
// the owner for manual server configuration.
type AutodiscoverCommand struct {
	cmdBase

	rep    reporter
	parent *statemachine.Machine
	sub    *statemachine.Machine

	// parentEvents is the caller's event space, kept for the
	// server-conf-required report; the nested runner uses its own.
	parentEvents EventSet

	mu         sync.Mutex
	candidates []store.Endpoint
	idx        int
}

// NewAutodiscoverCommand builds the endpoint discovery probe loop.
func NewAutodiscoverCommand(cfg RunnerConfig) (*AutodiscoverCommand, error) {
	c := &AutodiscoverCommand{parentEvents: cfg.Events}

	cfg.Name = "Autodiscover"
	cfg.Events = EventSet{
		// A bare auth rejection during discovery means the
		// credentials are wrong, not the endpoint.
		ReDisc: statemachine.EvHardFail,
		ReProv: statemachine.EvHardFail,

		// A retry-marked server error fails just this candidate.
		ReSync:      statemachine.EvTempFail,
		ServConfReq: statemachine.EvHardFail,
	}
	c.runner = NewRunner(cfg)

	table := statemachine.TransTable{
		statemachine.StateStart: {
			{On: statemachine.EvLaunch, Action: c.probe,
				Next: adProbeWait},
		},
		adProbeWait: {
			{On: statemachine.EvSuccess, Action: c.won,
				Next: statemachine.StateStop},
			{On: statemachine.EvTempFail, Action: c.advance,
				Next: adProbeWait},
			{On: statemachine.EvHardFail, Action: c.failHard,
				Next: statemachine.StateStop},
			{On: statemachine.EvLaunch, Action: c.probe,
				Next: adProbeWait},
		},
	}

	sub, err := statemachine.New(statemachine.Config{
		Name:      "autodisc-sub",
		Table:     table,
		Initial:   fn.None[statemachine.State](),
		StateName: adStateName,
	})
	if err != nil {
		return nil, err
	}
	c.sub = sub

	return c, nil
}

// Execute implements Command: it derives the candidate ladder from the
// account's domain and launches the probe loop.
func (c *AutodiscoverCommand) Execute(parent *statemachine.Machine) error {
	ctx := context.Background()

	acctID := c.runner.cfg.Source.AccountID()
	acct, err := c.runner.cfg.Source.Store().GetAccount(ctx, acctID)
	if err != nil {
		return err
	}
	if acct.Domain == "" {
		return fmt.Errorf("account %d has no domain", acctID)
	}

	c.mu.Lock()
	c.candidates = candidateEndpoints(acctID, acct.Domain)
	c.idx = 0
	c.mu.Unlock()

	c.parent = parent
	c.sub.Start()

	return nil
}

// candidateEndpoints is the fixed probe ladder for a mail domain.
func candidateEndpoints(acctID int64, domain string) []store.Endpoint {
	hosts := []string{
		domain,
		"autodiscover." + domain,
		"mail." + domain,
	}

	eps := make([]store.Endpoint, 0, len(hosts))
	for _, h := range hosts {
		eps = append(eps, store.Endpoint{
			AccountID: acctID,
			Scheme:    "https",
			Host:      h,
			Port:      443,
			Path:      "/autodiscover",
		})
	}

	return eps
}

// current returns the candidate under probe.
func (c *AutodiscoverCommand) current() store.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.candidates[c.idx]
}

// probe launches a round trip against the current candidate.
func (c *AutodiscoverCommand) probe(any) {
	if err := c.runner.Execute(c.sub, c); err != nil {
		log.Errorf("autodiscover: execute: %v", err)
		c.sub.PostEvent(statemachine.EvTempFail, nil)
	}
}

// advance moves to the next candidate, or reports server-conf-required when
// the ladder is exhausted. In the exhausted case the sub-machine simply goes
// quiet; the parent has its answer.
func (c *AutodiscoverCommand) advance(arg any) {
	c.mu.Lock()
	c.idx++
	exhausted := c.idx >= len(c.candidates)
	c.mu.Unlock()

	if exhausted {
		log.Warnf("autodiscover: all candidates failed")
		c.rep.report(c.parent, c.parentEvents.ServConfReq, nil)

		return
	}

	c.probe(arg)
}

// won reports the discovery success upward; the winning endpoint was
// persisted by ProcessResponse.
func (c *AutodiscoverCommand) won(any) {
	c.rep.report(c.parent, statemachine.EvSuccess, nil)
}

func (c *AutodiscoverCommand) failHard(any) {
	c.rep.report(c.parent, statemachine.EvHardFail, nil)
}

// MakeRequest implements Delegate: the probe goes straight at the candidate
// rather than through the persisted endpoint.
func (c *AutodiscoverCommand) MakeRequest(
	ctx context.Context,
) (*Request, error) {
	cred, err := c.runner.cfg.Source.Credential(ctx)
	if err != nil {
		return nil, err
	}
	acctID := c.runner.cfg.Source.AccountID()
	acct, err := c.runner.cfg.Source.Store().GetAccount(ctx, acctID)
	if err != nil {
		return nil, err
	}

	ep := c.current()
	u := url.URL{
		Scheme: ep.Scheme,
		Host:   ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:   ep.Path,
	}

	req := &Request{
		Method:  http.MethodPost,
		URL:     u.String(),
		Headers: http.Header{},
		Timeout: c.runner.cfg.Timeout,
	}
	req.Headers.Set("Authorization", basicAuth(cred))

	doc := NewDocument("Autodiscover").
		Set("EmailAddress", acct.EmailAddress)
	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate. A server may answer the probe with a
// better endpoint URL; otherwise the candidate itself wins.
func (c *AutodiscoverCommand) ProcessResponse(ctx context.Context,
	_ *Response, doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvTempFail, nil
	}

	ep := c.current()
	if srv := doc.Child("Server"); srv != nil {
		parsed, err := url.Parse(srv.Attr("Url"))
		if err == nil && parsed.Scheme != "" && parsed.Host != "" {
			ep.Scheme = parsed.Scheme
			ep.Host = parsed.Hostname()
			ep.Path = parsed.Path
			switch {
			case parsed.Port() != "":
				ep.Port, _ = strconv.Atoi(parsed.Port())
			case parsed.Scheme == "http":
				ep.Port = 80
			default:
				ep.Port = 443
			}
		}
	}

	err := c.runner.cfg.Source.Store().UpdateEndpoint(ctx, &ep)
	if err != nil {
		return statemachine.EvTempFail, err
	}

	log.Infof("autodiscover: endpoint %s://%s:%d%s", ep.Scheme, ep.Host,
		ep.Port, ep.Path)

	return statemachine.EvSuccess, nil
}
