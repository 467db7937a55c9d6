package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const defaultMaxBodyBytes = 64 * 1024

// ErrEmptyBody is returned by DecodeJSON when the request carries no payload.
var ErrEmptyBody = errors.New("httpx: request body is empty")

// DecodeJSON reads a bounded JSON body into dst, rejecting unknown fields and trailing data.
func DecodeJSON(r *http.Request, dst any) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("httpx: read body: %w", err)
	}
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if len(body) > defaultMaxBodyBytes {
		return fmt.Errorf("httpx: request body exceeds %d bytes", defaultMaxBodyBytes)
	}
	return DecodeJSONBytes(body, dst)
}

// DecodeJSONBytes decodes an already buffered body with the same rules as DecodeJSON.
func DecodeJSONBytes(body []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("httpx: invalid json: %w", err)
	}
	if decoder.More() {
		return errors.New("httpx: unexpected trailing data")
	}
	return nil
}
