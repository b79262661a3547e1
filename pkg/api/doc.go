/*
Package api implements the kube9 HTTP API on top of echo.

Handlers are thin: each one decodes a request, calls a single Manager
operation and encodes the result as JSON. Errors from the manager are mapped
onto status codes in one place (see statusFor) and returned as

	{"error": "...", "request_id": "..."}

# Routes

	POST   /v1/nodes                      register a node (201)
	GET    /v1/nodes                      list nodes
	GET    /v1/nodes/health               per node health report
	GET    /v1/nodes/:id                  get a node
	POST   /v1/nodes/:id/heartbeat        ingest a heartbeat
	PATCH  /v1/nodes/:id/components       set one component status
	POST   /v1/nodes/:id/fail             force a node into failed
	POST   /v1/nodes/:id/cleanup          exhaust, drain and reap a node
	POST   /v1/nodes/:id/reschedule       drain a permanently failed node

	POST   /v1/pods                       create and place a pod (201, 409 when unplaced)
	GET    /v1/pods                       list pods, ?status= filters
	GET    /v1/pods/:id                   get a pod
	DELETE /v1/pods/:id                   delete a pod (204)
	POST   /v1/pods/:id/schedule          retry placement

	GET    /v1/events                     server-sent event stream, ?type=node.,pod.deleted

	GET    /health /ready /live /metrics

Every request carries an X-Request-ID (generated with xid when the client
sends none), is logged with zerolog and counted in the api request metrics.

# Usage

	srv := api.NewServer(mgr)
	go srv.Start(":8080")
	...
	srv.Shutdown(ctx)
*/
package api
