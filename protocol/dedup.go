package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DedupKey derives the deterministic key used to fold identical commands
// onto an in-flight request. Only a narrow projection of the parameters
// participates, so cosmetic differences (callback URL, requestId) do not
// defeat deduplication.
//
// Returns false for actions that are never deduplicated.
func DedupKey(a Action, m *Message) (string, bool) {
	switch a {
	case ActionOpenURL:
		return string(a) + "|" + m.URL + "|" + tabKey(m.TabID), true
	case ActionExecuteScript:
		sum := sha256.Sum256([]byte(m.Code))
		return string(a) + "|" + tabKey(m.TabID) + "|" + hex.EncodeToString(sum[:8]), true
	case ActionCloseTab, ActionGetHTML, ActionGetCookies:
		return string(a) + "|" + tabKey(m.TabID), true
	}
	return "", false
}

func tabKey(id *int) string {
	if id == nil {
		return "null"
	}
	return strconv.Itoa(*id)
}
