package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotFound is returned when the requested resource does not exist.
var ErrNotFound = errors.New("not found")

// httpGet performs a GET request and decodes the JSON response.
func httpGet(hc *http.Client, url string, result any) error {
	resp, err := hc.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", url, ErrNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, errorMessage(resp.Body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// errorMessage extracts the error field of an API error body.
func errorMessage(body io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}

	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e); err != nil {
		return "no error message"
	}

	return e.Error
}
