// Package transport implements the secure transport layer: TLS 1.3
// configuration with policy-driven peer validation, the handshake
// negotiator, and length-prefixed framing over the secured stream.
//
// The negotiator never touches connection accounting; registration of
// established connections is the caller's responsibility.
package transport
