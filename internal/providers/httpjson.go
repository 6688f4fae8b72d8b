package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/util"
)

// callJSON performs an authenticated API call and decodes the JSON response.
func callJSON(ctx context.Context, client *http.Client, method, url, accessToken string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProviderUnavailable, method+" "+url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindProviderUnavailable, "read response", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		e := apperr.New(apperr.KindProviderUnavailable, fmt.Sprintf("%s returned %d", url, resp.StatusCode))
		e.RetryAfter = parseRetryAfter(resp, time.Now())
		return e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindInvalidGrant, fmt.Sprintf("%s rejected the access token (%d)", url, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apperr.New(apperr.KindMalformedResponse, fmt.Sprintf("%s returned %d: %s", url, resp.StatusCode, util.TruncateBytes(respBody, 200)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Wrap(apperr.KindMalformedResponse, "decode "+url, err)
	}
	return nil
}
