package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// apiClient talks to the page messaging API. One instance is shared by all
// sessions; the access token is passed per call because each page has its
// own.
type apiClient struct {
	baseURL  string
	tokenURL string
	http     *http.Client
}

func newAPIClient(baseURL, tokenURL string) *apiClient {
	return &apiClient{
		baseURL:  baseURL,
		tokenURL: tokenURL,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text       string      `json:"text,omitempty"`
		Attachment *attachment `json:"attachment,omitempty"`
	} `json:"message"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url,omitempty"`
		IsReusable bool   `json:"is_reusable,omitempty"`
	} `json:"payload"`
}

type sendResponse struct {
	RecipientID string    `json:"recipient_id"`
	MessageID   string    `json:"message_id"`
	Error       *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d/%d (%s): %s", e.Code, e.Subcode, e.Type, e.Message)
}

// sendText delivers a text message to a conversation and returns the
// network message id.
func (c *apiClient) sendText(ctx context.Context, accessToken, recipientID, text string) (string, error) {
	var req sendRequest
	req.Recipient.ID = recipientID
	req.Message.Text = text
	return c.send(ctx, accessToken, req)
}

// sendAttachment delivers hosted media by URL.
func (c *apiClient) sendAttachment(ctx context.Context, accessToken, recipientID, attachType, mediaURL string) (string, error) {
	var req sendRequest
	req.Recipient.ID = recipientID
	att := &attachment{Type: attachType}
	att.Payload.URL = mediaURL
	att.Payload.IsReusable = true
	req.Message.Attachment = att
	return c.send(ctx, accessToken, req)
}

func (c *apiClient) send(ctx context.Context, accessToken string, payload sendRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", pkgError.InternalServerError("failed to encode send request: " + err.Error())
	}

	endpoint := fmt.Sprintf("%s/me/messages?access_token=%s", c.baseURL, url.QueryEscape(accessToken))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", pkgError.InternalServerError("failed to build request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", pkgError.TransientError("send request failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", pkgError.TransientError("failed to read send response: " + err.Error())
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		if httpResp.StatusCode >= 500 {
			return "", pkgError.TransientError(fmt.Sprintf("server error %d", httpResp.StatusCode))
		}
		return "", pkgError.InternalServerError("unparseable send response: " + err.Error())
	}
	if resp.Error != nil {
		return "", classifyAPIError(resp.Error)
	}
	if httpResp.StatusCode >= 400 {
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return "", pkgError.TransientError(fmt.Sprintf("send failed with status %d", httpResp.StatusCode))
		}
		return "", pkgError.PermanentError(fmt.Sprintf("send rejected with status %d", httpResp.StatusCode))
	}
	return resp.MessageID, nil
}

type profileResponse struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Error *apiError `json:"error,omitempty"`
}

// verifyToken checks that the access token is live by fetching the page's
// own profile.
func (c *apiClient) verifyToken(ctx context.Context, accessToken string) error {
	endpoint := fmt.Sprintf("%s/me?access_token=%s", c.baseURL, url.QueryEscape(accessToken))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pkgError.InternalServerError("failed to build profile request: " + err.Error())
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return pkgError.TransientError("profile request failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return pkgError.TransientError("failed to read profile response: " + err.Error())
	}

	var resp profileResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return pkgError.TransientError("unparseable profile response: " + err.Error())
	}
	if resp.Error != nil {
		return classifyAPIError(resp.Error)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	Error       *apiError `json:"error,omitempty"`
}

// exchangeToken trades the current page token for a fresh long-lived one.
func (c *apiClient) exchangeToken(ctx context.Context, pageID, appSecret, currentToken string) (string, time.Time, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", pageID)
	q.Set("client_secret", appSecret)
	q.Set("fb_exchange_token", currentToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", time.Time{}, pkgError.InternalServerError("failed to build token request: " + err.Error())
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", time.Time{}, pkgError.TransientError("token request failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, pkgError.TransientError("failed to read token response: " + err.Error())
	}

	var resp tokenResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", time.Time{}, pkgError.TransientError("unparseable token response: " + err.Error())
	}
	if resp.Error != nil {
		return "", time.Time{}, pkgError.AuthError("token exchange rejected: " + resp.Error.Message)
	}
	if resp.AccessToken == "" {
		return "", time.Time{}, pkgError.AuthError("token exchange returned no token")
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		// Long-lived page tokens default to ~60 days.
		expiresIn = 60 * 24 * 3600
	}
	return resp.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

// classifyAPIError maps the network's error codes onto the gateway taxonomy.
// 190 is an invalid or expired token; 4, 613 and subcode 80006 are rate
// signals; 551 and code 10 are recipient-side permanent rejections.
func classifyAPIError(e *apiError) error {
	switch {
	case e.Code == 190:
		return pkgError.AuthError(e.Error())
	case e.Code == 4 || e.Code == 613 || e.Subcode == 80006:
		return pkgError.TransientError(e.Error())
	case e.Code == 1 || e.Code == 2:
		// Unknown/service errors are documented as retry-later.
		return pkgError.TransientError(e.Error())
	default:
		return pkgError.PermanentError(e.Error())
	}
}
