// Package api provides the local agent's HTTP API and UI WebSocket.
//
// The API is the host surface for a garden UI running next to the agent.
// It drives the credential verifier, reads the session, guard, dashboard
// and notification state, and pushes changes to connected UI clients.
//
//	server, err := api.New(deps)
//	if err != nil {
//	    return err
//	}
//	return server.Run(ctx) // blocks until ctx is cancelled
//
// Thread Safety: All methods are safe for concurrent use.
package api
