package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/roasbeef/mailsync/internal/statemachine"
	"github.com/roasbeef/mailsync/internal/store"
)

// ErrNoTargets means a pending-operation command found nothing left to send:
// every target it was built for has been resolved out from under it.
var ErrNoTargets = errors.New("pending operation has no targets")

// cmdBase supplies the default delegate behavior commands share: the base
// status table and a no-op cancel cleanup. Concrete commands embed it and
// override what they need.
type cmdBase struct {
	runner *Runner
}

// StatusToEvent implements Delegate using the base top-level table.
func (c *cmdBase) StatusToEvent(status int) statemachine.Event {
	return TopLevelStatusToEvent(status, c.runner.cfg.Events)
}

// CancelCleanup implements Delegate as a no-op.
func (c *cmdBase) CancelCleanup() {}

// Cancel implements Command.
func (c *cmdBase) Cancel() {
	c.runner.Cancel()
}

// reporter posts exactly one terminal event to a parent machine, however
// many completion paths race to it. Nested-FSM commands use it to satisfy
// the one-terminal-outcome contract.
type reporter struct {
	once sync.Once
}

func (r *reporter) report(parent *statemachine.Machine,
	ev statemachine.Event, arg any,
) {
	r.once.Do(func() {
		parent.PostEvent(ev, arg)
	})
}

// buildRequest assembles the common wire request for a named protocol
// command: endpoint URL, credentials, and the negotiated version and policy
// key headers.
func buildRequest(ctx context.Context, cfg *RunnerConfig,
	cmd string,
) (*Request, error) {
	ep, err := cfg.Source.Endpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	cred, err := cfg.Source.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	u := url.URL{
		Scheme: ep.Scheme,
		Host:   ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:   ep.Path,
	}
	if cmd != "" {
		q := url.Values{}
		q.Set("Cmd", cmd)
		q.Set("User", cred.Username)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", basicAuth(cred))

	if ver, err := cfg.Source.ProtoVersion(ctx); err == nil && ver != "" {
		headers.Set(HdrProtoVersion, ver)
	}
	if key, err := cfg.Source.PolicyKey(ctx); err == nil && key != "" {
		headers.Set(HdrPolicyKey, key)
	}

	return &Request{
		Method:  http.MethodPost,
		URL:     u.String(),
		Headers: headers,
		Timeout: cfg.Timeout,
	}, nil
}

// basicAuth renders the Authorization header value for a credential.
func basicAuth(cred *store.Credential) string {
	raw := base64.StdEncoding.EncodeToString(
		[]byte(cred.Username + ":" + cred.Password),
	)

	return "Basic " + raw
}

// encodeBody serializes a document through the codec and attaches it to the
// request.
func encodeBody(cfg *RunnerConfig, req *Request, doc *Document) error {
	body, err := cfg.Codec.Encode(doc)
	if err != nil {
		return err
	}

	req.Body = body
	req.ContentType = cfg.Codec.ContentType()

	return nil
}
