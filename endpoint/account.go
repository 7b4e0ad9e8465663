package endpoint

import (
	"context"
	"net/url"
	"strings"
)

// Location is one regional endpoint of an account.
type Location struct {
	Name     string `json:"name"`
	Endpoint string `json:"databaseAccountEndpoint"`
}

// Account is the topology returned by account discovery.
type Account struct {
	WritableLocations            []Location `json:"writableLocations"`
	ReadableLocations            []Location `json:"readableLocations"`
	EnableMultipleWriteLocations bool       `json:"enableMultipleWriteLocations"`
}

// Fetcher retrieves the account topology from endpoint.
type Fetcher interface {
	FetchAccount(ctx context.Context, endpoint *url.URL) (*Account, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, endpoint *url.URL) (*Account, error)

// FetchAccount implements Fetcher.
func (f FetcherFunc) FetchAccount(ctx context.Context, endpoint *url.URL) (*Account, error) {
	return f(ctx, endpoint)
}

// LocationalEndpoint derives the regional endpoint of location from the
// global one by suffixing the first host label:
//
//	https://acct.example.com:443 + "West US" -> https://acct-westus.example.com:443
//
// It returns nil when the host has a single label or location is empty.
func LocationalEndpoint(global *url.URL, location string) *url.URL {
	if global == nil {
		return nil
	}
	suffix := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(location), " ", ""))
	if suffix == "" {
		return nil
	}

	host := global.Hostname()
	account, rest, ok := strings.Cut(host, ".")
	if !ok || account == "" {
		return nil
	}

	out := *global
	out.Host = account + "-" + suffix + "." + rest
	if port := global.Port(); port != "" {
		out.Host += ":" + port
	}
	return &out
}
