// ABOUTME: Helpers for bridge JIDs such as 5511999999999:12@s.whatsapp.net
// ABOUTME: Extracts the phone number and recognises broadcast and group addresses

package bridge

import "strings"

// StatusBroadcastJID is the pseudo-chat carrying status updates
const StatusBroadcastJID = "status@broadcast"

// PhoneFromJID returns the digits before the first "@" or ":". Returns "" when
// that part is not a plain number.
func PhoneFromJID(jid string) string {
	end := strings.IndexAny(jid, "@:")
	if end < 0 {
		end = len(jid)
	}
	phone := jid[:end]
	if phone == "" {
		return ""
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return phone
}

// IsGroupJID reports whether jid addresses a group chat
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
