// Package cache defines the flat, disk-backed store that holds rendered wiki
// pages and their attachments under StoragePath/<file>. Writes always go
// through a uniquely named temp file in the same directory followed by a
// rename, so readers observe either the previous file or the complete new one.
// The package also owns the freshness policy (per-page max-age table with a
// "*" fallback, force refresh, request-scoped Session) and the Loader that
// combines both into the get-or-fetch operation used by the mirror service.
package cache
