package pipeline

// NewStatusErrorPolicy returns middleware turning final responses with a
// status >= 400 into a typed *Error carrying the response. Installed
// outside the retry policy it only sees the outcome of the whole call.
//
// Example:
//
//	resp, err := client.Do(req)
//	if errors.Is(err, pipeline.ErrNotFound) {
//	    // ...
//	}
func NewStatusErrorPolicy() Middleware {
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			resp, err := next.Send(req)
			if err != nil {
				return nil, err
			}
			if err := ErrorFromResponse(resp); err != nil {
				return nil, err
			}
			return resp, nil
		})
	}
}
