package domain

import "strings"

// NormalizeIdentity folds a username into its routing key. Lookup and
// registration are case-insensitive while display strings keep whatever
// casing the client supplied.
func NormalizeIdentity(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// SameIdentity compares two usernames under the routing rules.
func SameIdentity(a, b string) bool {
	return NormalizeIdentity(a) == NormalizeIdentity(b)
}
