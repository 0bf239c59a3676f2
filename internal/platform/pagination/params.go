package pagination

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100

	maxFilterValues = 10
)

// Params bundles pagination and equality filters extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
	Filters   map[string][]string
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// AllowedFilters lists query keys accepted as equality filters, mapped to their permitted values.
	// A nil value slice accepts any value.
	AllowedFilters map[string][]string
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
	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}

	token := strings.TrimSpace(values.Get("pageToken"))
	cursor, err := DecodeToken(token)
	if err != nil {
		return Params{}, err
	}

	filters, err := parseFilters(values, opts.AllowedFilters)
	if err != nil {
		return Params{}, err
	}

	return Params{
		PageSize:  pageSize,
		PageToken: token,
		Cursor:    cursor,
		Filters:   filters,
	}, nil
}

// parsePageSize applies the defaults, then clamps explicit sizes to the maximum.
func parsePageSize(raw string, opts Options) (int, error) {
	limit := cmp.Or(max(opts.MaxPageSize, 0), DefaultMaxPageSize)
	fallback := min(cmp.Or(max(opts.DefaultPageSize, 0), DefaultPageSize), limit)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	size, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	case size <= 0:
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(size, limit), nil
}

// parseFilters reads comma separated, lower-cased values for each allowed key, e.g.
// ?status=pending,paid. Unlisted keys are ignored.
func parseFilters(values url.Values, allowed map[string][]string) (map[string][]string, error) {
	var out map[string][]string
	for key, permitted := range allowed {
		var accepted []string
		for _, entry := range values[key] {
			for _, part := range strings.Split(entry, ",") {
				part = strings.ToLower(strings.TrimSpace(part))
				switch {
				case part == "", slices.Contains(accepted, part):
					continue
				case permitted != nil && !slices.Contains(permitted, part):
					return nil, fmt.Errorf("%w: value %q is not allowed for %s", ErrInvalidFilter, part, key)
				}
				accepted = append(accepted, part)
			}
		}
		if len(accepted) > maxFilterValues {
			return nil, fmt.Errorf("%w: too many values for %s", ErrInvalidFilter, key)
		}
		if len(accepted) > 0 {
			if out == nil {
				out = make(map[string][]string, len(allowed))
			}
			out[key] = accepted
		}
	}
	return out, nil
}
