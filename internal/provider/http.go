package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// postJSON sends body as JSON and returns the raw response body of a 2xx
// reply. Failures come back as *Error labelled with label.
func postJSON(ctx context.Context, client *http.Client, provider, label, url string, header http.Header, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindFormat, Message: fmt.Sprintf("failed to marshal %s request", label), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindConfiguration, Message: fmt.Sprintf("failed to create %s request", label), Cause: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindTransport, Message: fmt.Sprintf("%s request failed", label), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindTransport, Message: fmt.Sprintf("failed reading %s response", label), Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Provider:   provider,
			Kind:       KindStatus,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("%s request failed: status=%d body=%s", label, resp.StatusCode, truncate(string(data), 400)),
		}
	}
	return data, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
