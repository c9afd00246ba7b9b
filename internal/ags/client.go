package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Registry resolves the registration a service message belongs to.
type Registry interface {
	FindTool(ctx context.Context, issuer, clientID string) (access.Tool, error)
}

// Signer signs the client assertion with the tool key.
type Signer interface {
	Sign(ctx context.Context, claims jwt.MapClaims) (string, error)
}

// ServiceMessage builds the pre-validated message a grade push runs under:
// no OIDC round trip, just the registration pair and the line item.
func ServiceMessage(issuer, clientID, sub, lineItem string) *lti.Message {
	return &lti.Message{Claims: lti.Claims{
		"iss": issuer,
		"aud": clientID,
		"sub": sub,
		lti.ClaimAGSEndpoint: map[string]any{
			"lineitem": lineItem,
			"scope":    []any{lti.ScopeScore},
		},
	}}
}

// Client posts scores to platforms, authenticating with the OAuth2 client
// credentials grant and a signed client assertion.
type Client struct {
	HTTP     *http.Client
	Registry Registry
	Signer   Signer
	Now      func() time.Time

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewClient(registry Registry, signer Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		HTTP:     &http.Client{Timeout: timeout},
		Registry: registry,
		Signer:   signer,
		Now:      time.Now,
		tokens:   map[string]*oauth2.Token{},
	}
}

// PostScore publishes s to the line item of msg.
func (c *Client) PostScore(ctx context.Context, msg *lti.Message, s Score) error {
	ep, ok := msg.AGS()
	if !ok || ep.LineItem == "" {
		return errors.New("ags: message has no line item")
	}
	if !ep.CanPostScore() {
		return errors.New("ags: score scope not granted")
	}
	iss := msg.Claims.String("iss")
	clientID := lti.GetClientID(msg.Claims["aud"], msg.Claims.String("azp"))
	tool, err := c.Registry.FindTool(ctx, iss, clientID)
	if err != nil {
		return fmt.Errorf("ags: registration %s/%s: %w", iss, clientID, err)
	}
	tok, err := c.token(ctx, tool, lti.ScopeScore)
	if err != nil {
		return err
	}

	scoresURL, err := scoresURL(ep.LineItem)
	if err != nil {
		return err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, scoresURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", scoreContentType)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post score: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.forget(tool.ID)
		}
		return httpErr("post score", resp)
	}
	return nil
}

// token returns a cached access token or requests a new one with a fresh
// client assertion.
func (c *Client) token(ctx context.Context, tool access.Tool, scopes ...string) (*oauth2.Token, error) {
	c.mu.Lock()
	if t, ok := c.tokens[tool.ID]; ok && t.Valid() {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	now := c.Now()
	assertion, err := c.Signer.Sign(ctx, jwt.MapClaims{
		"iss": tool.ClientID,
		"sub": tool.ClientID,
		"aud": tool.AuthTokenURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("ags: sign client assertion: %w", err)
	}
	cc := clientcredentials.Config{
		ClientID: tool.ClientID,
		TokenURL: tool.AuthTokenURL,
		Scopes:   scopes,
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	t, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.HTTP))
	if err != nil {
		return nil, fmt.Errorf("ags: token: %w", err)
	}
	c.mu.Lock()
	c.tokens[tool.ID] = t
	c.mu.Unlock()
	return t, nil
}

func (c *Client) forget(toolID string) {
	c.mu.Lock()
	delete(c.tokens, toolID)
	c.mu.Unlock()
}

// scoresURL appends /scores to the line item path, keeping its query.
func scoresURL(lineItem string) (string, error) {
	u, err := url.Parse(lineItem)
	if err != nil {
		return "", fmt.Errorf("ags: bad line item URL %q: %w", lineItem, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/scores"
	return u.String(), nil
}

func httpErr(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Errorf("%s: platform returned %s", op, resp.Status)
	}
	return fmt.Errorf("%s: platform returned %s: %s", op, resp.Status, msg)
}
