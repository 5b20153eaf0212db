// Package fetch downloads upstream wiki pages and attachments into temp files.
// It never writes the final cache path; callers promote the temp file through
// the cache store once the content is complete.
package fetch
