package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/harunnryd/voxpoll/pkg/telephony"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls via the Twilio REST API. Our identifiers ride on the
// status callback URL so every status event can be attributed without a lookup.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	_ = ctx
	from := req.From
	if from == "" {
		from = d.cfg.FromNumber
	}
	if req.To == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if req.CallID == "" {
		return "", errors.New("call id required")
	}
	client := d.client
	if client == nil {
		if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
			return "", errors.New("missing twilio credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	meta := callbackQuery(req)
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(d.cfg.voiceURL() + "?" + meta)
	params.SetStatusCallback(d.cfg.statusURL() + "?" + meta)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func callbackQuery(req telephony.DialRequest) string {
	q := url.Values{}
	q.Set("call_id", req.CallID)
	if req.CampaignID != "" {
		q.Set("campaign_id", req.CampaignID)
	}
	if req.ContactID != "" {
		q.Set("contact_id", req.ContactID)
	}
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	return q.Encode()
}
