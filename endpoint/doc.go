// Package endpoint resolves regional endpoints for multi-region accounts.
//
// A Manager discovers which regions accept writes and reads, orders them
// by the caller's preferred locations and hands the pipeline the best
// endpoint for each attempt. Endpoints that fail with connection errors
// are skipped for UnavailableTTL, which is how a retry moves to the next
// region without the caller noticing.
//
// Typical wiring, where discovery itself runs through the same pipeline:
//
//	client, _ := pipeline.New(pipeline.WithEndpointResolver(lazy))
//	mgr, _ := endpoint.NewManager(endpoint.Config{
//	    DefaultEndpoint:    "https://acct.example.com",
//	    PreferredLocations: []string{"West US", "East US"},
//	}, endpoint.NewHTTPFetcher(client.Pipeline()))
//	mgr.Start(ctx)
//	defer mgr.Close()
package endpoint
