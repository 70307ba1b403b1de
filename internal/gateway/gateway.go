// Package gateway is the REST client for the chat server's HTTP API:
// account registration, UID availability, group paging, and lockout
// reporting. Paging and lockout reports are signed with the account
// key; registration happens before the server knows the key and is
// unsigned.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/signing"
)

const (
	registerPath = "/api/v1/register"
	checkUIDPath = "/api/v1/check_UID/{uid}"
	pagePath     = "/api/v1/page"
	lockoutPath  = "/api/v1/lockout"
)

// minGroupLen is the shortest group name the server pages.
const minGroupLen = 5

// Keys is the PEM key material used to sign page and lockout requests.
type Keys struct {
	PublicKey  string
	PrivateKey string
}

// APIResponse is the server's uniform reply shape.
type APIResponse struct {
	Failed  bool   `json:"failed"`
	Message string `json:"message"`
}

// APIError is a request the server answered but refused.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server refused (%d): %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: server refused (%d)", e.Endpoint, e.Status)
}

// Registration is the payload announcing a new account.
type Registration struct {
	UID           string `json:"UID"`
	RSAKey        string `json:"rsaKey"`
	ExpoPushToken string `json:"expoPushToken"`
}

// Client talks to the chat server's HTTP API.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a gateway client for the given server address.
func New(serverAddress string, logger *zap.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(serverAddress, "/")).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: http, logger: logger}
}

// Register announces a new account: its UID, the public half of its
// keypair, and the push token notifications go to.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	if reg.UID == "" {
		return fmt.Errorf("register: empty UID")
	}
	if reg.RSAKey == "" {
		return fmt.Errorf("register: empty public key")
	}
	c.logger.Info("registering account", zap.String("uid", reg.UID))
	return c.post(ctx, registerPath, reg)
}

// CheckUID asks whether a UID is known to the server. A nil error
// means the server accepted the UID.
func (c *Client) CheckUID(ctx context.Context, uid string) error {
	if uid == "" {
		return fmt.Errorf("check uid: empty UID")
	}
	var out APIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("uid", uid).
		SetResult(&out).
		SetError(&out).
		Get(checkUIDPath)
	if err != nil {
		return fmt.Errorf("check uid: %w", err)
	}
	if resp.IsError() || out.Failed {
		return &APIError{Endpoint: resp.Request.URL, Status: resp.StatusCode(), Message: out.Message}
	}
	return nil
}

// Page sends a signed broadcast to every member of a group.
func (c *Client) Page(ctx context.Context, keys Keys, group, message string) error {
	group = strings.TrimSpace(group)
	message = strings.TrimSpace(message)
	if len(group) < minGroupLen {
		return fmt.Errorf("page: group name %q too short", group)
	}
	if message == "" {
		return fmt.Errorf("page: empty message")
	}
	contents := struct {
		RequestIdentifier string `json:"requestIdentifier"`
		Group             string `json:"group"`
		Message           string `json:"message"`
	}{uuid.NewString(), group, message}
	return c.postSigned(ctx, pagePath, keys, contents)
}

// Lockout sends a signed lockout report, raised when someone fed the
// device the pseudo passcode.
func (c *Client) Lockout(ctx context.Context, keys Keys, report string) error {
	report = strings.TrimSpace(report)
	if report == "" {
		return fmt.Errorf("lockout: empty report")
	}
	contents := struct {
		RequestIdentifier string `json:"requestIdentifier"`
		LockoutRequest    string `json:"lockoutRequest"`
	}{uuid.NewString(), report}
	return c.postSigned(ctx, lockoutPath, keys, contents)
}

func (c *Client) postSigned(ctx context.Context, path string, keys Keys, contents any) error {
	env, err := signing.Sign(contents, keys.PrivateKey, keys.PublicKey)
	if err != nil {
		return fmt.Errorf("sign %s request: %w", path, err)
	}
	return c.post(ctx, path, env)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var out APIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() || out.Failed {
		return &APIError{Endpoint: path, Status: resp.StatusCode(), Message: out.Message}
	}
	return nil
}
