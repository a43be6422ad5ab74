/*
Package auth implements API key generation, hashing, and the bearer-token
middleware that authenticates every protected request.

# Key Format

	ci_ + 40 characters of URL-safe base64 (30 random bytes, 240 bits)

Only the hex SHA-256 of the full key is ever stored. The plaintext is
shown once at creation time; a stolen database reveals no usable
credentials. Lookup hashes the presented key and hits the hash index, so
verification is a single O(1) read with no per-key iteration.

# Middleware

The middleware extracts the bearer token, resolves it to a key and its
owner, and rejects with:

	401  missing, malformed, unknown, or revoked key
	403  key is valid but its owner is deactivated

On success the user lands in the request context for handlers to read via
UserFromContext, and the key's last-used timestamp is updated best-effort;
a failed touch never fails the request.

Error bodies are {"detail": "..."} and 401 responses carry a
WWW-Authenticate: Bearer header.
*/
package auth
