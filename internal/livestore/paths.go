// v0
// internal/livestore/paths.go
package livestore

import "strings"

const (
	// LocationsRoot holds per-location live nodes.
	LocationsRoot = "locations"
	// AlertsRoot holds pushed alert children grouped by location.
	AlertsRoot = "alerts"
	// ConnectionStatePath is the sentinel carrying transport liveness as a
	// JSON boolean.
	ConnectionStatePath = ".connectionState"
)

// LocationPath is the node holding every live child of a location.
func LocationPath(id string) string {
	return LocationsRoot + "/" + id
}

// CurrentPath is the live state node of a location.
func CurrentPath(id string) string {
	return LocationsRoot + "/" + id + "/current"
}

// HeartbeatPath is the sensor liveness node of a location.
func HeartbeatPath(id string) string {
	return LocationsRoot + "/" + id + "/last_heartbeat"
}

// LastCleanedPath is the write-only cleaning record node of a location.
func LastCleanedPath(id string) string {
	return LocationsRoot + "/" + id + "/last_cleaned"
}

// AlertsPath groups the alerts of a location.
func AlertsPath(id string) string {
	return AlertsRoot + "/" + id
}

// SplitAlertPath extracts the location id and child key from
// alerts/{locationId}/{key}. A bare alerts/{locationId} yields an empty key.
func SplitAlertPath(path string) (locationID, key string, ok bool) {
	parts := strings.Split(cleanPath(path), "/")
	if len(parts) < 2 || parts[0] != AlertsRoot || parts[1] == "" {
		return "", "", false
	}
	switch len(parts) {
	case 2:
		return parts[1], "", true
	case 3:
		return parts[1], parts[2], parts[2] != ""
	default:
		return "", "", false
	}
}

// Within reports whether path equals root or lies below it.
func Within(path, root string) bool {
	path = cleanPath(path)
	root = cleanPath(root)
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

func cleanPath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}
