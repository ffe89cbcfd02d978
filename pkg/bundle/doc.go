// Package bundle resolves pack bytes for deployment. Resolution tries
// the pack's inline bytes, then a size-capped LRU cache, then an origin
// fetch through an injected transport. Origin failures surface as
// BUNDLE_UNAVAILABLE after the retry budget.
package bundle
