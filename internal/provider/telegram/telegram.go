// Package telegram implements the Telegram bot-token provider.
//
// Telegram has no OAuth flow: a bot token comes from BotFather and never
// expires. The provider only knows how to probe it with getMe.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/provider"
)

const ProviderName = credential.ProviderTelegram

const defaultAPIBase = "https://api.telegram.org"

// Provider validates bot tokens against the Bot API.
type Provider struct {
	apiBase string
	client  *http.Client
}

// Factory creates the Telegram provider. Extra["api_base"] overrides the
// Bot API base URL (used by tests).
func Factory(profile *credential.Profile, deps provider.Deps) (provider.Provider, error) {
	p := &Provider{
		apiBase: defaultAPIBase,
		client:  deps.HTTPClientOrDefault(),
	}
	if v := profile.Extra["api_base"]; v != "" {
		p.apiBase = strings.TrimRight(v, "/")
	}
	return p, nil
}

func (p *Provider) Name() credential.Provider { return ProviderName }
func (p *Provider) Type() provider.FlowType   { return provider.FlowStaticToken }

func (p *Provider) Endpoints(profile *credential.Profile) (provider.Endpoints, error) {
	return provider.Endpoints{}, fmt.Errorf("telegram: bot tokens have no authorization flow")
}

type getMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		IsBot    bool   `json:"is_bot"`
	} `json:"result"`
	Description string `json:"description"`
}

// Validate calls getMe with the bot token.
func (p *Provider) Validate(ctx context.Context, profile *credential.Profile, bundle *credential.TokenBundle) (*credential.ValidationResult, error) {
	if bundle == nil || bundle.AccessToken == "" {
		return nil, fmt.Errorf("telegram: no bot token to validate")
	}
	result := &credential.ValidationResult{CheckedAt: time.Now()}

	url := fmt.Sprintf("%s/bot%s/getMe", p.apiBase, bundle.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		result.Reason = fmt.Sprintf("getMe unreachable: %v", err)
		return result, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		result.Reason = fmt.Sprintf("read getMe response: %v", err)
		return result, nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		result.Rejected = true
		result.Reason = fmt.Sprintf("bot token rejected (status %d)", resp.StatusCode)
		return result, nil
	}

	var me getMeResponse
	if err := json.Unmarshal(body, &me); err != nil {
		result.Reason = fmt.Sprintf("decode getMe: %v", err)
		return result, nil
	}
	if !me.OK || !me.Result.IsBot {
		// The API answered conclusively: this token does not belong to a
		// live bot.
		result.Rejected = true
		result.Reason = "getMe returned ok=false: " + me.Description
		return result, nil
	}

	result.IsValid = true
	result.Capabilities = append(result.Capabilities,
		"can_post_as_bot:"+me.Result.Username,
		fmt.Sprintf("identity:%d", me.Result.ID),
	)
	return result, nil
}
