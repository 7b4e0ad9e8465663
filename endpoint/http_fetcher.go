package endpoint

import (
	"context"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/kroma-labs/sentinel-pipeline/pipeline"
)

// Compile-time interface check.
var _ Fetcher = (*HTTPFetcher)(nil)

// HTTPFetcher discovers the account topology with GET <endpoint>/.
//
// The request runs through p with the endpoint pinned, so a pipeline that
// includes the endpoint policy does not resolve (or refresh) again while
// discovering.
type HTTPFetcher struct {
	pipeline *pipeline.Pipeline
	opts     []pipeline.CallOption
}

// NewHTTPFetcher returns a fetcher running discovery through p. opts are
// applied to every discovery call, for example a smaller retry budget.
func NewHTTPFetcher(p *pipeline.Pipeline, opts ...pipeline.CallOption) *HTTPFetcher {
	return &HTTPFetcher{pipeline: p, opts: opts}
}

// FetchAccount implements Fetcher.
func (f *HTTPFetcher) FetchAccount(ctx context.Context, endpoint *url.URL) (*Account, error) {
	target := *endpoint
	target.Path = "/"
	target.RawPath = ""
	target.RawQuery = ""

	req, err := pipeline.NewRequest(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	opts := make([]pipeline.CallOption, 0, len(f.opts)+2)
	opts = append(opts, f.opts...)
	opts = append(opts,
		pipeline.WithEndpointOverride(endpoint),
		pipeline.WithOperationKind(pipeline.OperationRead),
	)

	resp, err := f.pipeline.Run(req, opts...)
	if err != nil {
		return nil, err
	}
	if err := pipeline.ErrorFromResponse(resp); err != nil {
		return nil, err
	}

	body, err := resp.Body()
	if err != nil {
		return nil, err
	}

	var acct Account
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, pipeline.NewDecodeError(resp, err)
	}
	return &acct, nil
}
