// Package signature verifies HMAC-SHA256 request signatures.
//
// A client signs a request by computing
//
//	hex(HMAC-SHA256(secret, timestamp || body))
//
// where timestamp is the decimal Unix time sent in the X-Timestamp header and
// body is the raw request body. The signature travels in X-Signature.
// Timestamps more than MaxSkew away from the server clock, in either
// direction, are rejected to bound the replay window.
package signature
