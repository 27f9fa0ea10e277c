package shopchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// apiClient talks to the commerce network's open API. Tokens are bearer
// tokens passed per call; the refresh grant rotates both halves of the
// access/refresh pair.
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
	ConversationID string `json:"conversation_id"`
	MessageType    string `json:"message_type"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	ReplyToID      string `json:"reply_to_message_id,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

type sendResponse struct {
	MessageID string    `json:"message_id"`
	Error     *apiError `json:"error,omitempty"`
}

func (c *apiClient) sendMessage(ctx context.Context, accessToken string, req sendRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", pkgError.InternalServerError("failed to encode send request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/messages", bytes.NewReader(body))
	if err != nil {
		return "", pkgError.InternalServerError("failed to build request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

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
		return "", classifyAPIError(resp.Error, httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return "", pkgError.TransientError(fmt.Sprintf("send failed with status %d", httpResp.StatusCode))
		}
		return "", pkgError.PermanentError(fmt.Sprintf("send rejected with status %d", httpResp.StatusCode))
	}
	return resp.MessageID, nil
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	Error        *apiError `json:"error,omitempty"`
}

// refreshTokens exchanges the refresh token for a new access/refresh pair.
// The old refresh token is consumed by the grant; losing the response means
// the shop must re-authorize, which is why callers persist the new pair
// immediately.
func (c *apiClient) refreshTokens(ctx context.Context, shopID, refreshToken string) (access, refresh string, expiry time.Time, err error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"shop_id":       shopID,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", "", time.Time{}, pkgError.InternalServerError("failed to encode token request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", "", time.Time{}, pkgError.InternalServerError("failed to build token request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", "", time.Time{}, pkgError.TransientError("token request failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", "", time.Time{}, pkgError.TransientError("failed to read token response: " + err.Error())
	}

	var resp tokenResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", "", time.Time{}, pkgError.TransientError("unparseable token response: " + err.Error())
	}
	if resp.Error != nil {
		return "", "", time.Time{}, pkgError.AuthError("token refresh rejected: " + resp.Error.Message)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return "", "", time.Time{}, pkgError.AuthError("token refresh returned incomplete pair")
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 4 * 3600
	}
	return resp.AccessToken, resp.RefreshToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

// verifyToken probes the shop profile endpoint to confirm the access token
// is live before registering a session.
func (c *apiClient) verifyToken(ctx context.Context, accessToken, shopID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/shops/"+shopID, nil)
	if err != nil {
		return pkgError.InternalServerError("failed to build shop request: " + err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return pkgError.TransientError("shop request failed: " + err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return pkgError.TransientError("failed to read shop response: " + err.Error())
	}

	var resp struct {
		ShopID string    `json:"shop_id"`
		Error  *apiError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return pkgError.TransientError("unparseable shop response: " + err.Error())
	}
	if resp.Error != nil {
		return classifyAPIError(resp.Error, httpResp.StatusCode)
	}
	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return pkgError.AuthError(fmt.Sprintf("shop probe rejected with status %d", httpResp.StatusCode))
	}
	return nil
}

// classifyAPIError maps the network's string error codes onto the gateway
// taxonomy. token_expired and unauthorized mean the access token is dead;
// rate_limited and service hiccups are retry-later.
func classifyAPIError(e *apiError, statusCode int) error {
	switch e.Code {
	case "token_expired", "unauthorized", "invalid_token":
		return pkgError.AuthError(e.Error())
	case "rate_limited", "too_many_requests":
		return pkgError.TransientError(e.Error())
	case "internal_error", "service_unavailable":
		return pkgError.TransientError(e.Error())
	}
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return pkgError.TransientError(e.Error())
	}
	return pkgError.PermanentError(e.Error())
}
