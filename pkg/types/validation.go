package types

import "strings"

const maxUsernameLen = 50

// Validate checks a join payload. The username must be non-blank after
// trimming; the avatar is optional and passed through untouched.
func (p *JoinPayload) Validate() error {
	name := strings.TrimSpace(p.Username)
	if name == "" {
		return ErrInvalidUsername
	}
	if len(name) > maxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// TrimmedUsername returns the display name with surrounding whitespace removed.
func (p *JoinPayload) TrimmedUsername() string {
	return strings.TrimSpace(p.Username)
}

// Validate checks a chat payload: exactly one of text or image, text
// non-blank after trimming, image a recognizable media reference. Message
// bodies are untrusted data; the server relays them verbatim and clients must
// render them as plain text.
func (p *ChatPayload) Validate() error {
	text := strings.TrimSpace(p.Text)
	image := strings.TrimSpace(p.Image)

	switch {
	case text == "" && image == "":
		return ErrEmptyMessage
	case text != "" && image != "":
		return ErrAmbiguousMessage
	case image != "" && !IsMediaReference(image):
		return ErrInvalidMediaRef
	}
	return nil
}

// IsMediaReference reports whether s looks like a reference the relay can
// forward: a server upload path, an absolute URL, or an inline data URI. The
// relay never inspects the referenced bytes.
func IsMediaReference(s string) bool {
	return strings.HasPrefix(s, "/media/") ||
		strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "data:image/")
}
