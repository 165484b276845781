package twilio

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/voxpoll/pkg/errorsx"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// CallResolver maps our call id to the Twilio call SID.
type CallResolver interface {
	ProviderCallID(ctx context.Context, callID string) (string, error)
}

type ResolverFunc func(ctx context.Context, callID string) (string, error)

func (f ResolverFunc) ProviderCallID(ctx context.Context, callID string) (string, error) {
	return f(ctx, callID)
}

// Control redirects live calls by replacing their TwiML.
type Control struct {
	cfg      Config
	resolver CallResolver
	client   callUpdater
}

func NewControl(cfg Config, resolver CallResolver) *Control {
	return &Control{cfg: cfg.withDefaults(), resolver: resolver}
}

func (c *Control) PlayText(ctx context.Context, callID, text string) error {
	return c.update(ctx, callID, c.cfg.promptTwiml(callID, text))
}

func (c *Control) EndCall(ctx context.Context, callID string) error {
	return c.update(ctx, callID, hangupTwiml())
}

func (c *Control) EndCallWithMessage(ctx context.Context, callID, text string) error {
	if text == "" {
		return c.EndCall(ctx, callID)
	}
	return c.update(ctx, callID, c.cfg.farewellTwiml(text))
}

func (c *Control) update(ctx context.Context, callID, twiml string) error {
	return errorsx.ForCall(c.push(ctx, callID, twiml), callID)
}

func (c *Control) push(ctx context.Context, callID, twiml string) error {
	if c.resolver == nil {
		return errorsx.Wrap(errors.New("no call resolver"), errorsx.ReasonTelephonyControl)
	}
	sid, err := c.resolver.ProviderCallID(ctx, callID)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("resolve %s: %w", callID, err), errorsx.ReasonTelephonyControl)
	}
	if sid == "" {
		return errorsx.Wrap(fmt.Errorf("call %s has no provider sid", callID), errorsx.ReasonTelephonyControl)
	}
	client := c.client
	if client == nil {
		if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
			return errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTelephonyControl)
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: c.cfg.AccountSID,
			Password: c.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := client.UpdateCall(sid, params); err != nil {
		return errorsx.Wrap(fmt.Errorf("update call %s: %w", sid, err), errorsx.ReasonTelephonyControl)
	}
	return nil
}
