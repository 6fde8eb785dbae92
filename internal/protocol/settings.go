package protocol

import (
	"context"

	"github.com/roasbeef/mailsync/internal/statemachine"
)

// SettingsCommand registers the client's device information with the server.
// Servers use it to decide policy applicability, so it runs right after
// provisioning.
type SettingsCommand struct {
	cmdBase

	// DeviceModel and DeviceOS describe this client on the server's device
	// list.
	DeviceModel string
	DeviceOS    string
}

// NewSettingsCommand builds a settings round trip.
func NewSettingsCommand(cfg RunnerConfig, model, os string) *SettingsCommand {
	cfg.Name = "Settings"

	c := &SettingsCommand{DeviceModel: model, DeviceOS: os}
	c.runner = NewRunner(cfg)

	return c
}

// Execute implements Command.
func (c *SettingsCommand) Execute(parent *statemachine.Machine) error {
	return c.runner.Execute(parent, c)
}

// MakeRequest implements Delegate.
func (c *SettingsCommand) MakeRequest(ctx context.Context) (*Request, error) {
	req, err := buildRequest(ctx, &c.runner.cfg, "Settings")
	if err != nil {
		return nil, err
	}

	doc := NewDocument("Settings")
	info := doc.Add(NewDocument("DeviceInformation"))
	info.Set("Model", c.DeviceModel)
	info.Set("OS", c.DeviceOS)

	if err := encodeBody(&c.runner.cfg, req, doc); err != nil {
		return nil, err
	}

	return req, nil
}

// ProcessResponse implements Delegate.
func (c *SettingsCommand) ProcessResponse(_ context.Context, _ *Response,
	doc *Document,
) (statemachine.Event, error) {
	if doc == nil || doc.Status != StatusOK {
		return statemachine.EvHardFail, nil
	}

	return statemachine.EvSuccess, nil
}
