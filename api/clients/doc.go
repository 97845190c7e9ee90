/*
Package clients provides the HTTP client of the directory service.

DirectoryClient implements interfaces.Directory over the REST API served by
api/handlers. Requests carry a bearer token and are traced through an
otelhttp transport.

# Errors

Error responses are turned back into the sentinels of the interfaces
package using the "code" field of the body, so callers can use errors.Is
the same way against a remote or an in-process directory. Network failures
and 5xx responses become interfaces.ErrTransport.
*/
package clients
