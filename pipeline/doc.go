// Package pipeline runs HTTP requests through an ordered chain of policies
// ending in a transport, with retry orchestration and regional failover.
//
// # Concepts
//
//   - A Policy receives a Request, may change it, forwards it to the next
//     link and inspects what comes back.
//   - A Transport is the terminal link. It performs one network attempt per
//     Send and owns Sleep, the only place a call waits between attempts.
//   - A Pipeline composes Middleware around a Transport. Run executes one
//     logical call.
//
// # Retries
//
// The retry policy repeats the inner chain within per-call budgets:
//
//   - Connection errors (nothing reached the server) are retried for any
//     method, up to RetryConfig.Connect.
//   - Read errors (the request was sent) are retried only for GET, HEAD,
//     OPTIONS or calls made WithIdempotent, up to RetryConfig.Read.
//   - Responses with a status in RetryConfig.StatusCodes are retried up to
//     RetryConfig.Status. When that runs out the last response is returned.
//   - Authentication errors and anything unclassified are never retried.
//
// Every retry also consumes RetryConfig.Total. Retry n waits
// min(BackoffMax, BackoffFactor*2^(n-1)) unless the response carried a
// Retry-After header:
//
//	resp, err := client.Do(req,
//	    pipeline.WithRetryStatus(5),
//	    pipeline.WithRetryBackoffFactor(200*time.Millisecond),
//	)
//	fmt.Println(resp.RetryStats().Retries)
//
// # Endpoint Failover
//
// With an EndpointResolver (see the endpoint package) each attempt is
// pointed at the best available regional endpoint. A connection failure
// marks the endpoint unavailable, so the retry lands on the next region:
//
//	mgr, _ := endpoint.NewManager(endpoint.Config{
//	    DefaultEndpoint:    "https://acct.example.com",
//	    PreferredLocations: []string{"West US", "East US"},
//	}, fetcher)
//
//	client, err := pipeline.New(pipeline.WithEndpointResolver(mgr))
//
// # Custom Chains
//
// Policies are exported as Middleware constructors and can be composed
// directly:
//
//	p := pipeline.NewPipeline(transport,
//	    pipeline.NewTracingPolicy(),
//	    pipeline.NewRetryPolicy(pipeline.DefaultRetryConfig()),
//	    pipeline.NewLoggingPolicy(logger),
//	)
//	resp, err := p.Run(req)
//
// # Testing
//
// MockTransport scripts responses and records every attempt and every
// backoff without sleeping:
//
//	mock := pipeline.NewMockTransport().
//	    Enqueue(http.StatusServiceUnavailable, "", nil).
//	    Enqueue(http.StatusOK, `{"id":1}`, nil)
//	client, _ := pipeline.New(pipeline.WithTransport(mock))
package pipeline
