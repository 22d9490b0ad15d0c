package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dialout-engine/internal/config"
)

// ExotelProvider dials through Exotel's Calls API.
//
// Outbound flow: Exotel rings the target; once answered it runs the applet
// identified by the app id, which plays the script and gathers DTMF. Status
// and DTMF callbacks land on our webhook endpoints with the Context echoed
// back in CustomField.
type ExotelProvider struct {
	cfg    config.ExotelConfig
	client *http.Client

	// baseOverride replaces the account API base URL in tests.
	baseOverride string
}

func NewExotelProvider(cfg config.ExotelConfig) *ExotelProvider {
	return &ExotelProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *ExotelProvider) Name() string { return "exotel" }

func (p *ExotelProvider) HealthCheck(ctx context.Context) error {
	// The Calls API has no cheap ping; config presence is the best signal.
	if p.cfg.AccountSID == "" || p.cfg.APIKey == "" {
		return errors.New("telephony: exotel credentials not configured")
	}
	return nil
}

func (p *ExotelProvider) baseURL() string {
	if p.baseOverride != "" {
		return p.baseOverride
	}
	return fmt.Sprintf("https://%s.exotel.com/v1/Accounts/%s", p.cfg.Subdomain, p.cfg.AccountSID)
}

// appletURL is the provider-internal ExoML entry point. Exotel's Url
// parameter only accepts these internal app URLs; external callbacks are
// reached through a Passthru applet configured in the provider dashboard.
func (p *ExotelProvider) appletURL(scriptID string) string {
	appID := scriptID
	if appID == "" {
		appID = p.cfg.AppID
	}
	return fmt.Sprintf("http://my.exotel.com/%s/exoml/start_voice/%s", p.cfg.AccountSID, appID)
}

func (p *ExotelProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	form := url.Values{}
	form.Set("From", req.Target)
	form.Set("CallerId", p.cfg.CallerID)
	form.Set("Url", p.appletURL(req.ScriptID))
	form.Set("CallType", "trans")
	form.Set("TimeLimit", "300")
	form.Set("TimeOut", "30")
	form.Set("StatusCallback", p.cfg.CallbackBaseURL+"/webhooks/exotel/status")
	if req.Context != "" {
		form.Set("CustomField", req.Context)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL()+"/Calls/connect.json", strings.NewReader(form.Encode()))
	if err != nil {
		return DialResult{}, &AdapterError{Provider: p.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.cfg.APIKey, p.cfg.APIToken)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return DialResult{}, &AdapterError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DialResult{}, &AdapterError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DialResult{}, &AdapterError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider rejected dial: %s", truncate(string(body), 200)),
		}
	}

	var parsed struct {
		Call struct {
			Sid string `json:"Sid"`
		} `json:"Call"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return DialResult{}, &AdapterError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding dial response: %w", err)}
	}
	if parsed.Call.Sid == "" {
		return DialResult{}, &AdapterError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: errors.New("dial response missing call sid")}
	}

	return DialResult{ExternalCallID: parsed.Call.Sid}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
