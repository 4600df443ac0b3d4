package httpserver

import (
	"regexp"
	"strings"
)

// clientTaskIDPattern bounds client-supplied task ids. They become object
// store path segments, so path metacharacters are rejected outright.
var clientTaskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// ValidClientTaskID reports whether id is safe to use as a path segment.
func ValidClientTaskID(id string) bool {
	return clientTaskIDPattern.MatchString(id)
}

// workerTaskIDPattern matches the ULIDs the queue mints at enqueue time
// (Crockford base32, 26 characters).
var workerTaskIDPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// ValidWorkerTaskID reports whether id could have been issued by the queue.
// Garbage ids are rejected before any Redis lookup.
func ValidWorkerTaskID(id string) bool {
	return workerTaskIDPattern.MatchString(strings.ToUpper(id))
}

// IsShopifyDomain reports whether a tenant id names a Shopify shop.
func IsShopifyDomain(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.HasSuffix(id, ".myshopify.com") && len(id) > len(".myshopify.com")
}
