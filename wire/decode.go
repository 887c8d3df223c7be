package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/convenehq/convene/media"
)

// Field numbers for the meeting client's collection-event schema. The outer
// levels are one-field wrapper messages; only the leaves carry data.
const (
	fieldEventBody      = 1  // CollectionEvent -> body
	fieldBodyWrapper    = 2  // body -> wrapper
	fieldSessionWrapper = 13 // wrapper -> session wrapper
	fieldUserListWrap   = 1  // session wrapper -> user info list wrapper
	fieldChatWrap       = 4  // session wrapper -> chat wrapper (repeated)
	fieldUserEntry      = 2  // user info list wrapper -> participant (repeated)
	fieldChatEntry      = 2  // chat wrapper -> chat message
)

// Participant entry fields.
const (
	fieldUserDeviceID    = 1
	fieldUserFullName    = 2
	fieldUserProfileRef  = 3
	fieldUserDisplayName = 29
)

// Chat entry fields.
const (
	fieldChatMessageID = 1
	fieldChatDeviceID  = 2
	fieldChatTimestamp = 3
	fieldChatContent   = 5
	fieldChatText      = 1 // inside content
)

// Caption fields (wrapper at field 1, then the caption itself).
const (
	fieldCaptionWrap        = 1
	fieldCaptionDeviceSpace = 1
	fieldCaptionID          = 2
	fieldCaptionVersion     = 3
	fieldCaptionText        = 6
	fieldCaptionLanguageID  = 8
)

// ChatEntry is a decoded chat message before sender resolution. The session
// directory resolves DeviceID against known participants when it records the
// entry.
type ChatEntry struct {
	MessageID       string
	DeviceID        string
	TimestampMicros uint64
	Text            string
}

// CollectionEvent is the decoded content of one compressed collection-event
// payload: zero or more participant detail entries and zero or more chat
// entries.
type CollectionEvent struct {
	Participants []media.Participant
	Chats        []ChatEntry
}

// DecodeCollectionEvent inflates and decodes a collection-event payload. The
// wire payload arrives DEFLATE-compressed (zlib framing).
func DecodeCollectionEvent(compressed []byte) (*CollectionEvent, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, decodeErr("inflate", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, decodeErr("inflate", err)
	}

	ev := &CollectionEvent{}
	body, ok, err := singleMessageField(raw, fieldEventBody)
	if err != nil || !ok {
		return ev, err
	}
	wrapper, ok, err := singleMessageField(body, fieldBodyWrapper)
	if err != nil || !ok {
		return ev, err
	}
	session, ok, err := singleMessageField(wrapper, fieldSessionWrapper)
	if err != nil || !ok {
		return ev, err
	}

	r := NewReader(session)
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return nil, err
		}
		switch {
		case num == fieldUserListWrap && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if err := decodeUserList(sub, ev); err != nil {
				return nil, err
			}
		case num == fieldChatWrap && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if err := decodeChatWrapper(sub, ev); err != nil {
				return nil, err
			}
		default:
			if err := r.Skip(typ); err != nil {
				return nil, err
			}
		}
	}
	return ev, nil
}

// singleMessageField extracts the last occurrence of a length-delimited field
// from a message, skipping everything else.
func singleMessageField(buf []byte, field int) ([]byte, bool, error) {
	r := NewReader(buf)
	var out []byte
	found := false
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return nil, false, err
		}
		if num == field && typ == TypeBytes {
			out, err = r.Bytes()
			if err != nil {
				return nil, false, err
			}
			found = true
			continue
		}
		if err := r.Skip(typ); err != nil {
			return nil, false, err
		}
	}
	return out, found, nil
}

func decodeUserList(buf []byte, ev *CollectionEvent) error {
	r := NewReader(buf)
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return err
		}
		if num == fieldUserEntry && typ == TypeBytes {
			sub, err := r.Bytes()
			if err != nil {
				return err
			}
			p, err := decodeParticipant(sub)
			if err != nil {
				return err
			}
			ev.Participants = append(ev.Participants, p)
			continue
		}
		if err := r.Skip(typ); err != nil {
			return err
		}
	}
	return nil
}

func decodeParticipant(buf []byte) (media.Participant, error) {
	var p media.Participant
	r := NewReader(buf)
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return p, err
		}
		if typ != TypeBytes {
			if err := r.Skip(typ); err != nil {
				return p, err
			}
			continue
		}
		sub, err := r.Bytes()
		if err != nil {
			return p, err
		}
		switch num {
		case fieldUserDeviceID:
			p.DeviceID = string(sub)
		case fieldUserFullName:
			p.FullName = string(sub)
		case fieldUserProfileRef:
			p.ProfileImageRef = string(sub)
		case fieldUserDisplayName:
			p.DisplayName = string(sub)
		}
	}
	return p, nil
}

func decodeChatWrapper(buf []byte, ev *CollectionEvent) error {
	entry, ok, err := singleMessageField(buf, fieldChatEntry)
	if err != nil || !ok {
		return err
	}
	chat, err := decodeChat(entry)
	if err != nil {
		return err
	}
	ev.Chats = append(ev.Chats, chat)
	return nil
}

func decodeChat(buf []byte) (ChatEntry, error) {
	var c ChatEntry
	r := NewReader(buf)
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return c, err
		}
		switch {
		case num == fieldChatMessageID && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return c, err
			}
			c.MessageID = string(sub)
		case num == fieldChatDeviceID && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return c, err
			}
			c.DeviceID = string(sub)
		case num == fieldChatTimestamp && typ == TypeVarint:
			v, err := r.Varint()
			if err != nil {
				return c, err
			}
			c.TimestampMicros = v
		case num == fieldChatContent && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return c, err
			}
			text, ok, err := stringField(sub, fieldChatText)
			if err != nil {
				return c, err
			}
			if ok {
				c.Text = text
			}
		default:
			if err := r.Skip(typ); err != nil {
				return c, err
			}
		}
	}
	return c, nil
}

func stringField(buf []byte, field int) (string, bool, error) {
	sub, ok, err := singleMessageField(buf, field)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(sub), true, nil
}

// DecodeCaption decodes a caption-event payload: a wrapper whose single field
// holds the caption record. Caption payloads are not compressed.
func DecodeCaption(raw []byte) (*media.Caption, error) {
	inner, ok, err := singleMessageField(raw, fieldCaptionWrap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, decodeErr("caption", fmt.Errorf("wrapper field %d missing", fieldCaptionWrap))
	}

	c := &media.Caption{}
	r := NewReader(inner)
	for r.More() {
		num, typ, err := r.FieldHeader()
		if err != nil {
			return nil, err
		}
		switch {
		case num == fieldCaptionDeviceSpace && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			c.DeviceSpace = string(sub)
		case num == fieldCaptionID && typ == TypeVarint:
			v, err := r.Varint()
			if err != nil {
				return nil, err
			}
			c.CaptionID = int64(v)
		case num == fieldCaptionVersion && typ == TypeVarint:
			v, err := r.Varint()
			if err != nil {
				return nil, err
			}
			c.Version = int64(v)
		case num == fieldCaptionText && typ == TypeBytes:
			sub, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			c.Text = string(sub)
		case num == fieldCaptionLanguageID && typ == TypeVarint:
			v, err := r.Varint()
			if err != nil {
				return nil, err
			}
			c.LanguageID = int64(v)
		default:
			if err := r.Skip(typ); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}
