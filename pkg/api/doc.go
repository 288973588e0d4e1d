/*
Package api serves the labvm HTTP/JSON API on top of gin.

Every VM route acts on behalf of one user. Authentication happens upstream:
the gateway in front of labvm sets the X-User-ID header and RequireUser
rejects requests that lack it (401) or carry a malformed id (400).

# Routes

	GET    /health /ready /live          process health (pkg/metrics)
	GET    /metrics                      Prometheus exposition
	GET    /api/v1/nodes                 current node utilization

	POST   /api/v1/vms                   create the caller's VM
	GET    /api/v1/vms                   list the caller's VMs
	GET    /api/v1/vms/:id               one VM
	DELETE /api/v1/vms/:id               delete
	POST   /api/v1/vms/:id/start         start (new runtime window)
	POST   /api/v1/vms/:id/stop          stop (clears the window)
	POST   /api/v1/vms/:id/reboot        reboot
	POST   /api/v1/vms/:id/extend        {"minutes": 5..60}
	POST   /api/v1/vms/:id/reset         rebuild from the template
	GET    /api/v1/vms/:id/vnc           console URL

Create can take minutes since it waits for the whole provisioning pipeline.
Clients should use a generous timeout.

# Errors

Failures carry an ErrorResponse. The status follows the error kind:

	not found                        404
	forbidden (not the owner)        403
	already exists, conflict         409
	invalid range, not running       400
	resource exhausted               503
	timeout                          504
	hypervisor unavailable, rejected 502
	anything else                    500

Provisioning failures report the failed pipeline step in the step field.
*/
package api
