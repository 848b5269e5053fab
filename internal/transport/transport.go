// Package transport defines the range-fetch sessions the engine downloads through
// and the pool that lends them to part workers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/maneesh/labfetch/internal/models"
)

var (
	// ErrNotFound is returned by a Resolver when the source item is gone.
	ErrNotFound = errors.New("source item not found")
	// ErrTransportUnavailable is returned when no session could be established.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrSessionClosed is returned by reads on a session that was reset.
	ErrSessionClosed = errors.New("session closed")
)

// Session is one independent connection able to issue range reads.
type Session interface {
	// OpenRange streams bytes [offset, offset+limit) of item. A limit <= 0 reads to EOF.
	// Implementations may return more than limit bytes; callers trim.
	OpenRange(ctx context.Context, item models.Item, offset, limit int64) (io.ReadCloser, error)
	Connected() bool
	Reconnect(ctx context.Context) error
	// Close severs the session, aborting any in-flight read.
	Close() error
}

// Dialer creates sessions sharing the root session's credentials.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Resolver looks up the source item carried by a message.
type Resolver interface {
	Resolve(ctx context.Context, id models.Identity) (models.Item, error)
}

// Kind is the media flavor of a source item.
type Kind string

const (
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindPhoto     Kind = "photo"
	KindAnimation Kind = "animation"
	KindDocument  Kind = "document"
)

var kindExt = map[Kind]string{
	KindVideo:     ".mp4",
	KindAudio:     ".mp3",
	KindVoice:     ".ogg",
	KindPhoto:     ".jpg",
	KindAnimation: ".mp4",
}

// KindFromContentType classifies a MIME type.
func KindFromContentType(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	switch {
	case mt == "image/gif":
		return KindAnimation
	case mt == "audio/ogg":
		return KindVoice
	case strings.HasPrefix(mt, "video/"):
		return KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	case strings.HasPrefix(mt, "image/"):
		return KindPhoto
	default:
		return KindDocument
	}
}

// SuggestName returns name when present, otherwise "<kind>_<message><ext>".
func SuggestName(name string, kind Kind, messageID int64) string {
	if name != "" {
		return name
	}
	ext, ok := kindExt[kind]
	if !ok {
		ext = ".unknown"
	}
	return fmt.Sprintf("%s_%d%s", kind, messageID, ext)
}
