// Package toolid builds and splits composite tool identifiers.
//
// A tool is addressed as "<serverID>__<toolName>". Server ids may themselves
// contain the separator (registry-style ids like "org__repo__path"), so
// splitting always happens on the LAST occurrence of the separator.
package toolid

import "strings"

// Separator joins a server id and a tool name into a composite id.
const Separator = "__"

// Join builds the composite id for a tool on a server.
func Join(serverID, toolName string) string {
	return serverID + Separator + toolName
}

// Split recovers the server id and tool name from a composite id.
// The split is on the last occurrence of the separator, so server ids
// containing the separator round-trip correctly. Returns ok=false when the
// id contains no separator at all.
func Split(id string) (serverID, toolName string, ok bool) {
	idx := strings.LastIndex(id, Separator)
	if idx < 0 {
		return "", id, false
	}
	return id[:idx], id[idx+len(Separator):], true
}

// ServerID returns the server portion of a composite id, or "" when the id
// has no separator.
func ServerID(id string) string {
	serverID, _, _ := Split(id)
	return serverID
}

// BareName returns the suffix after the last separator. For ids without a
// separator the whole id is returned. Classification cache entries are keyed
// by this bare name because some servers embed separators in their own ids.
func BareName(id string) string {
	idx := strings.LastIndex(id, Separator)
	if idx < 0 {
		return id
	}
	return id[idx+len(Separator):]
}
