// Package rewrite turns a rendered upstream wiki page into mirror-local HTML.
// Rules run in a fixed order over the whole document: not-found detection,
// chrome stripping, class and table attribute cleanup, internal link
// retargeting, decorative image removal, then image and attachment
// substitution. The last two call an AssetResolver for every match, so a
// rewrite drives cache fetches as a side effect. A failed asset keeps pointing
// at its absolute upstream URL and the rest of the page is still rewritten.
package rewrite
