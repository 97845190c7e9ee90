/*
Package httpserver runs the directory service over HTTP.

The directory API from api/handlers is mounted under HTTPServerConfig.APIPrefix
behind bearer-token authentication and an optional per-client rate limit.
Every request is traced with otelhttp and logged with the flashbots request
logger.

# Operational endpoints

  - GET /livez    process liveness
  - GET /readyz   readiness, including storage availability
  - GET /drain    mark not ready so load balancers stop routing
  - GET /undrain  mark ready again
  - /debug/...    pprof when EnablePprof is set
*/
package httpserver
