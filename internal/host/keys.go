package host

// Blob key conventions. History entries live under the canonical key with an
// RFC 3339 timestamp suffix so that lexicographic listing equals
// chronological order.

func latestSnapshotKey(isApp bool, documentID string) string {
	if isApp {
		return "app_rooms/" + documentID
	}
	return "rooms/" + documentID
}

func historyPrefix(isApp bool, documentID string) string {
	return "history/" + latestSnapshotKey(isApp, documentID) + "/"
}

func historyKey(isApp bool, documentID string, timestamp string) string {
	return historyPrefix(isApp, documentID) + timestamp
}

func publishedKey(publishedSlug string) string {
	return "published/" + publishedSlug
}

func publishedHistoryPrefix(publishedSlug string) string {
	return "history/published/" + publishedSlug + "/"
}

func uploadKey(assetID string) string {
	return "uploads/" + assetID
}
