// Package server hosts the Fiber HTTP service and request middleware chain.
// The app exposes two namespaces derived from the site config: the mirror
// prefix for rewritten pages and the cache prefix for cached assets. Handlers
// are injected through MirrorHandler so tests can swap in fakes, and
// diagnostics under "/-/" are registered by the routes subpackage.
package server
