package protocol

import (
	"context"
	"net/http"
	"strings"

	"github.com/roasbeef/mailsync/internal/statemachine"
)

// OptionsCommand probes the endpoint's capabilities and persists the highest
// protocol version the server advertises. It is the first authenticated
// round trip after discovery, so a 401 here is the canonical bad-credentials
// signal.
type OptionsCommand struct {
	cmdBase
}

// NewOptionsCommand builds an options probe over the given collaborators.
func NewOptionsCommand(cfg RunnerConfig) *OptionsCommand {
	cfg.Name = "Options"

	c := &OptionsCommand{}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *OptionsCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate. The probe is a bare OPTIONS on the
// endpoint with no command document.
func (c *OptionsCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "")
	if err != nil {
		return nil, err
	}
	req.Method = http.MethodOptions

	return req, nil
}

// ProcessResponse implements Delegate: the versions header is the payload;
// the newest advertised version wins.
func (c *OptionsCommand) ProcessResponse(ctx context.Context, resp *Response,
	_ *Document,
) (statemachine.Event, error) {
	raw := resp.Header(HdrProtoVersions)
	if raw == "" {
		log.Warnf("options: no %s header in response", HdrProtoVersions)
		return statemachine.EvHardFail, nil
	}

	versions := strings.Split(raw, ",")
	pick := strings.TrimSpace(versions[len(versions)-1])
	if pick == "" {
		return statemachine.EvHardFail, nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	err := c.runner.cfg.Source.Store().UpdateProtoVersion(ctx, acctID, pick)
	if err != nil {
		return statemachine.EvTempFail, err
	}

	log.Infof("options: negotiated protocol version %s", pick)

	return statemachine.EvSuccess, nil
}
