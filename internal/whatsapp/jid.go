package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
	"golang.org/x/text/width"
)

const legacyUserServer = "c.us"

// NormalizePhone folds full-width digits and strips every non-digit.
func NormalizePhone(raw string) string {
	folded := width.Fold.String(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeUserJID turns a phone number or any user JID (with device or agent
// parts) into "<user>@s.whatsapp.net". It returns "" for unusable input.
func NormalizeUserJID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "@") {
		phone := NormalizePhone(raw)
		if phone == "" {
			return ""
		}
		return types.NewJID(phone, types.DefaultUserServer).String()
	}
	jid, err := types.ParseJID(raw)
	if err != nil || jid.User == "" {
		return ""
	}
	jid = jid.ToNonAD()
	if jid.Server == legacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid.String()
}

// IsIndividualJID reports whether jid addresses a single user account rather
// than a group, broadcast list or newsletter.
func IsIndividualJID(jid string) bool {
	parsed, err := types.ParseJID(jid)
	if err != nil || parsed.User == "" {
		return false
	}
	switch parsed.Server {
	case types.DefaultUserServer, types.HiddenUserServer:
		return true
	}
	return false
}

// JIDUser returns the user part of jid.
func JIDUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	if i := strings.IndexAny(user, ".:"); i >= 0 {
		user = user[:i]
	}
	return user
}
