// Package auth enforces the collector's API key on both listeners.
//
// Middleware wraps the HTTP handler; UnaryInterceptor and StreamInterceptor
// guard the gRPC health service. When mode != "apikey" or the key is empty,
// every request passes through, which suits local development. A missing or
// wrong key yields 401 on HTTP and codes.Unauthenticated on gRPC.
package auth
