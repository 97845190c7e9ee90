/*
Package handlers implements the REST surface of the directory service.

Every route is tenant scoped: the tenant and caller come from the bearer
token placed in the request context by auth.AuthRequired, never from the
path or body.

# Routes

	GET  /users                              ?isAdmin=true lists admins only
	GET  /users/me
	PUT  /users/me/public-key
	GET  /users/{id}/public-key
	GET  /kek/versions
	POST /kek/versions                       bootstrap or plain create
	POST /kek/rotate
	POST /kek/recover
	POST /kek/versions/{id}/retire
	GET  /kek/versions/{id}/master-blob
	PUT  /kek/versions/{id}/master-blob
	POST /kek/provision
	GET  /kek/blobs
	POST /admin/promotions
	GET  /admin/promotions/pending
	GET  /admin/promotions/{id}/share
	POST /admin/promotions/{id}/approve
	POST /admin/promotions/{id}/reject
	POST /kek/recovery
	GET  /kek/recovery/{id}
	POST /kek/recovery/{id}/transition
	GET  /logs/keys
	PUT  /logs/{name}/key

# Errors

Failures are returned as {"error": "...", "code": "..."}. The code is one
of validation, unauthorized, forbidden, not_found, conflict,
already_resolved, session_expired, invalid_state or internal, and maps one
to one onto the error sentinels of the interfaces package so clients can
rebuild them.
*/
package handlers
