// Package keymap maps logical wiki page names and attachment names onto flat
// cache file names and back. Every escaped character becomes a fixed
// three-byte token (`_20` for a space, `_2F` for a slash, ...), so encoded
// names never contain path separators and decode back to the original title.
// Attachment files embed the owning page's encoded name so two pages can carry
// same-named attachments without colliding.
package keymap
