package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|sv|wg)\s*(\[\d+\])?\s*:\s*`)

// threadID picks the conversation root: the first References id, then
// In-Reply-To, then the message's own id. Messages without threading
// headers or an id of their own fall back to a digest of the normalized
// subject.
func threadID(h mail.Header, subject, messageID string) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if irt, err := h.MsgIDList("In-Reply-To"); err == nil && len(irt) > 0 {
		return irt[0]
	}
	if h.Get("Message-Id") != "" && messageID != "" {
		return messageID
	}
	if s := NormalizeSubject(subject); s != "" {
		sum := sha256.Sum256([]byte(s))
		return "subject-" + hex.EncodeToString(sum[:])
	}
	return messageID
}

// NormalizeSubject strips reply and forward prefixes, collapses whitespace
// and lowercases the result.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		t := replyPrefix.ReplaceAllString(s, "")
		if t == s {
			break
		}
		s = t
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
