package media

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Kind identifies the type of user-captured media being moved.
type Kind string

const (
	// KindPhoto is a still image; it is recompressed before transfer.
	KindPhoto Kind = "photo"
	// KindVideo is transferred as-is.
	KindVideo Kind = "video"
	// KindVoiceNote is transferred as-is with its declared duration.
	KindVoiceNote Kind = "voice_note"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindVoiceNote:
		return true
	default:
		return false
	}
}

// ParseKind accepts the canonical names plus a few CLI-friendly aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "photo", "image", "img":
		return KindPhoto, nil
	case "video", "vid":
		return KindVideo, nil
	case "voice_note", "voice-note", "voicenote", "voice", "audio":
		return KindVoiceNote, nil
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", ErrValidationFailed, s)
	}
}

// ContentType guesses the MIME type sent to remote stores. The file extension
// wins; the kind provides the fallback.
func ContentType(kind Kind, path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	switch kind {
	case KindPhoto:
		return "image/jpeg"
	case KindVideo:
		return "video/mp4"
	case KindVoiceNote:
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
