// Package mcpfleet manages a fleet of out-of-process capability servers
// spoken to over line-delimited JSON on standard pipes.
//
// Each configured server is launched as a child process and negotiated via
// an initialize handshake; the registry then routes tool calls and resource
// reads by server name, retries transient failures with exponential backoff,
// and stops hammering a persistently failing server with a per-connection
// circuit breaker.
//
// # Basic Usage
//
// Load a configuration and build a registry:
//
//	cfg, err := mcpfleet.LoadConfig("fleet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//
//	fleet, err := mcpfleet.New(ctx, cfg, mcpfleet.WithLogger(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fleet.Shutdown(ctx)
//
//	result, err := fleet.CallTool(ctx, "search-server", "search",
//	    map[string]any{"query": "golang"}, 0)
//
// # Configuration
//
// Configuration is YAML: a defaults block plus a list of server definitions.
// Durations accept either Go duration strings ("30s") or integer
// milliseconds.
//
//	defaults:
//	  defaultTimeout: 30s
//	  enableAutoConnect: true
//	  healthCheckInterval: 30s
//	servers:
//	  - name: search-server
//	    command: search-mcp
//	    args: ["--stdio"]
//	    env:
//	      API_KEY: ${SEARCH_API_KEY}
//	    retryPolicy:
//	      maxRetries: 3
//	      initialDelay: 1s
//	      maxDelay: 10s
//	      backoffMultiplier: 2
//
// # Observing the Fleet
//
// Connections returns read-only snapshots of every server's state, and
// Health reports overall fleet condition. Out-of-band notifications from
// servers are delivered through WithNotificationHandler; Prometheus
// instrumentation attaches through WithMetrics.
package mcpfleet
