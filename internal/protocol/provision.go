package protocol

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/mailsync/internal/statemachine"
)

// Provisioning sub-machine states.
const (
	// provGetWait waits for the policy-fetch round trip.
	provGetWait = statemachine.StateLast + iota

	// provAckWait waits for the policy-acknowledge round trip.
	provAckWait
)

// provStateName names the provisioning sub-states for log output.
func provStateName(st statemachine.State) string {
	switch st {
	case provGetWait:
		return "GetWait"
	case provAckWait:
		return "AckWait"
	default:
		return ""
	}
}

// ProvisionCommand runs the two-phase policy handshake as a private nested
// machine: fetch the temporary policy key, acknowledge it, persist the final
// key. To the parent it is still one command with one terminal event.
// Cross-cutting redo signals make no sense mid-provision, so the nested
// machine binds them all to hard failure.
type ProvisionCommand struct {
	cmdBase

	rep    reporter
	parent *statemachine.Machine
	sub    *statemachine.Machine

	mu     sync.Mutex
	acking bool
	tmpKey string
}

// NewProvisionCommand builds the provisioning handshake over the given
// collaborators. The caller's EventSet is ignored for the nested machine.
func NewProvisionCommand(cfg RunnerConfig) (*ProvisionCommand, error) {
	cfg.Name = "Provision"
	cfg.Events = EventSet{
		ReDisc:      statemachine.EvHardFail,
		ReProv:      statemachine.EvHardFail,
		ReSync:      statemachine.EvHardFail,
		ServConfReq: statemachine.EvHardFail,
	}

	c := &ProvisionCommand{}
	c.runner = NewRunner(cfg)

	table := statemachine.TransTable{
		statemachine.StateStart: {
			{On: statemachine.EvLaunch, Action: c.send,
				Next: provGetWait},
		},
		provGetWait: {
			{On: statemachine.EvSuccess, Action: c.beginAck,
				Next: provAckWait},
			{On: statemachine.EvTempFail, Action: c.failTemp,
				Next: statemachine.StateStop},
			{On: statemachine.EvHardFail, Action: c.failHard,
				Next: statemachine.StateStop},
			{On: statemachine.EvLaunch, Action: c.send,
				Next: provGetWait},
		},
		provAckWait: {
			{On: statemachine.EvSuccess, Action: c.finish,
				Next: statemachine.StateStop},
			{On: statemachine.EvTempFail, Action: c.failTemp,
				Next: statemachine.StateStop},
			{On: statemachine.EvHardFail, Action: c.failHard,
				Next: statemachine.StateStop},
			{On: statemachine.EvLaunch, Action: c.send,
				Next: provAckWait},
		},
	}

	sub, err := statemachine.New(statemachine.Config{
		Name:      "prov-sub",
		Table:     table,
		Initial:   fn.None[statemachine.State](),
		StateName: provStateName,
	})
	if err != nil {
		return nil, err
	}
	c.sub = sub

	return c, nil
}

// Execute implements Command: it launches the nested machine, whose terminal
// actions report exactly one event to the parent.
func (c *ProvisionCommand) Execute(parent *statemachine.Machine) error {
	c.parent = parent
	c.sub.Start()

	return nil
}

// send launches the current phase's round trip against the nested machine.
func (c *ProvisionCommand) send(any) {
	if err := c.runner.Execute(c.sub, c); err != nil {
		log.Errorf("provision: execute: %v", err)
		c.sub.PostEvent(statemachine.EvTempFail, nil)
	}
}

// beginAck flips the delegate to the acknowledge phase and re-sends.
func (c *ProvisionCommand) beginAck(arg any) {
	c.mu.Lock()
	c.acking = true
	c.mu.Unlock()

	c.send(arg)
}

// finish reports success upward; the final policy key was persisted in the
// ack phase's ProcessResponse.
func (c *ProvisionCommand) finish(any) {
	c.rep.report(c.parent, statemachine.EvSuccess, nil)
}

func (c *ProvisionCommand) failTemp(any) {
	c.rep.report(c.parent, statemachine.EvTempFail, nil)
}

func (c *ProvisionCommand) failHard(any) {
	c.rep.report(c.parent, statemachine.EvHardFail, nil)
}

// MakeRequest implements Delegate for both phases.
func (c *ProvisionCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "Provision")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	acking, tmpKey := c.acking, c.tmpKey
	c.mu.Unlock()

	doc := NewDocument("Provision")
	policy := doc.Add(NewDocument("Policy"))
	policy.Set("PolicyType", "MS-EAS-Provisioning-WBXML")
	if acking {
		// Acknowledge phase: echo the temporary key with an applied
		// status so the server issues the durable key.
		policy.Set("PolicyKey", tmpKey).Set("Status", "1")
	}

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate. The fetch phase captures the
// temporary key; the ack phase persists the final one.
func (c *ProvisionCommand) ProcessResponse(ctx context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	policy := doc.Child("Policy")
	if policy == nil || policy.Attr("PolicyKey") == "" {
		return statemachine.EvHardFail, nil
	}
	key := policy.Attr("PolicyKey")

	c.mu.Lock()
	acking := c.acking
	if !acking {
		c.tmpKey = key
	}
	c.mu.Unlock()

	if !acking {
		return statemachine.EvSuccess, nil
	}

	acctID := c.runner.cfg.Source.AccountID()
	err := c.runner.cfg.Source.Store().UpdatePolicyKey(ctx, acctID, key)
	if err != nil {
		return statemachine.EvTempFail, err
	}

	log.Infof("provision: policy key established for account %d", acctID)

	return statemachine.EvSuccess, nil
}
