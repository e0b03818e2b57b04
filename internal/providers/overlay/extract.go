package overlay

// The overlay backend has answered with several JSON shapes for the same
// logical field across API revisions. Each field is resolved by an ordered
// list of extraction paths evaluated in priority order; the first match wins.

var (
	assetIDPaths = [][]string{
		{"data", "asset_id"},
		{"asset_id"},
		{"data", "asset", "id"},
	}
	videoIDPaths = [][]string{
		{"data", "video_id"},
		{"video_id"},
	}
	statusPaths = [][]string{
		{"data", "status"},
		{"status"},
	}
	videoURLPaths = [][]string{
		{"data", "video_url"},
		{"video_url"},
	}
	errorDetailPaths = [][]string{
		{"data", "error", "message"},
		{"data", "error"},
		{"error", "message"},
		{"error"},
		{"message"},
	}
)

// extractString walks each candidate path through the decoded payload and
// returns the first non-empty string value.
func extractString(payload map[string]any, paths [][]string) string {
	for _, path := range paths {
		if value, ok := lookupString(payload, path); ok {
			return value
		}
	}
	return ""
}

func lookupString(payload map[string]any, path []string) (string, bool) {
	current := any(payload)
	for _, segment := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = node[segment]
		if !ok {
			return "", false
		}
	}
	value, ok := current.(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
