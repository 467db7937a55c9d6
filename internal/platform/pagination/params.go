package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100

	maxFilterValueLength = 128
	maxFilterValues      = 16
)

// Params bundles the paging and filtering values extracted from a request.
// PageToken is an opaque offset issued by a previous page.
type Params struct {
	PageSize  int
	PageToken string
	Filters   map[string][]string
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// AllowedFilters lists the query keys accepted as filters. Values may be comma separated.
	AllowedFilters []string
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params representation.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if rawToken := strings.TrimSpace(values.Get("pageToken")); rawToken != "" {
		offset, err := strconv.Atoi(rawToken)
		if err != nil || offset < 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, rawToken)
		}
		params.PageToken = rawToken
	}

	filters, err := parseFilters(values, opts.AllowedFilters)
	if err != nil {
		return Params{}, err
	}
	params.Filters = filters

	return params, nil
}

// Values returns the filter values for key, or nil when the filter was not supplied.
func (p Params) Values(key string) []string {
	if p.Filters == nil {
		return nil
	}
	return p.Filters[key]
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}

	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	if strings.TrimSpace(raw) == "" {
		return defaultPageSize, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > maxPageSize {
		value = maxPageSize
	}
	return value, nil
}

func parseFilters(values url.Values, allowed []string) (map[string][]string, error) {
	var filters map[string][]string
	for _, key := range allowed {
		raw, ok := values[key]
		if !ok {
			continue
		}
		seen := make(map[string]struct{})
		var collected []string
		for _, entry := range raw {
			for _, part := range strings.Split(entry, ",") {
				part = sanitizeFilterValue(part)
				if part == "" {
					continue
				}
				if _, dup := seen[part]; dup {
					continue
				}
				seen[part] = struct{}{}
				collected = append(collected, part)
			}
		}
		if len(collected) == 0 {
			return nil, fmt.Errorf("%w: empty value for %q", ErrInvalidFilter, key)
		}
		if len(collected) > maxFilterValues {
			return nil, fmt.Errorf("%w: too many values for %q", ErrInvalidFilter, key)
		}
		if filters == nil {
			filters = make(map[string][]string, len(allowed))
		}
		filters[key] = collected
	}
	return filters, nil
}

func sanitizeFilterValue(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "\"'")
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > maxFilterValueLength {
		value = value[:maxFilterValueLength]
	}
	return value
}
