// Package auth validates connect credentials. It accepts signed JWTs
// (HS256), bcrypt-hashed passwords, or the MOLTIS_TOKEN / MOLTIS_PASSWORD
// environment fallbacks. Credential changes fire callbacks so the gateway
// can invalidate live connections.
package auth
