package oauth

import (
	"encoding/json"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/treumalgotech/credvault/internal/credential"
)

// tokenResponse is the token endpoint's JSON body. Providers disagree on
// scope separators (LinkedIn uses commas, Twitter spaces), so scope parsing
// accepts both.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseTokenResponse(body []byte) (*tokenResponse, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// errorMessage extracts a readable message from a token endpoint error body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var te tokenErrorResponse
	if err := json.Unmarshal(body, &te); err == nil && te.Error != "" {
		if te.ErrorDescription != "" {
			return te.Error + ": " + te.ErrorDescription
		}
		return te.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// toBundle converts the response into a fresh bundle. expires_in is turned
// into an absolute unix-millisecond deadline; 0 means non-expiring.
func (tr *tokenResponse) toBundle() *credential.TokenBundle {
	b := &credential.TokenBundle{
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		GrantedScopes: splitScopes(tr.Scope),
		Status:        credential.StatusValid,
	}
	if tr.ExpiresIn > 0 {
		b.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}
	if tr.IDToken != "" {
		b.AccountID = idTokenSubject(tr.IDToken)
	}
	return b
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// idTokenSubject pulls the sub claim out of an OIDC id_token without
// verifying the signature. The token arrived over TLS from the issuer's own
// token endpoint; it is used for display and capability naming, never for
// authentication decisions.
func idTokenSubject(idToken string) string {
	claims := jwtv5.MapClaims{}
	parser := jwtv5.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
