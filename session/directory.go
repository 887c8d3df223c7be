package session

import (
	"sync"

	"github.com/convenehq/convene/media"
	"github.com/convenehq/convene/wire"
)

// captionKey identifies a caption revision stream: the meeting replays a
// caption id within a device space to deliver corrected text.
type captionKey struct {
	deviceSpace string
	captionID   int64
}

// Directory is the session-scoped store for collaboration metadata:
// participants by device id, captions by (caption id, device space), and the
// chat log. All writes arrive from the single ingestion dispatch path;
// the mutex makes snapshots safe for concurrent readers, which must treat
// them as eventually consistent.
type Directory struct {
	mu           sync.Mutex
	participants map[string]media.Participant
	captions     map[captionKey]media.Caption
	chats        map[string]media.ChatMessage
	chatOrder    []string

	onParticipant func(media.Participant)
	onChat        func(media.ChatMessage)
	onCaption     func(media.Caption)
}

// NewDirectory creates an empty directory. The callbacks may be nil; they
// fire synchronously from the ingestion path for every upsert.
func NewDirectory(onParticipant func(media.Participant), onChat func(media.ChatMessage), onCaption func(media.Caption)) *Directory {
	return &Directory{
		participants:  make(map[string]media.Participant),
		captions:      make(map[captionKey]media.Caption),
		chats:         make(map[string]media.ChatMessage),
		onParticipant: onParticipant,
		onChat:        onChat,
		onCaption:     onCaption,
	}
}

// ApplyCollectionEvent records a decoded collection event: participant
// details are upserted first, then chat entries are resolved against the
// directory as it stands. A chat whose sender is still unknown gets an
// empty-string placeholder and is never retroactively fixed when the
// participant details arrive later.
func (d *Directory) ApplyCollectionEvent(ev *wire.CollectionEvent) {
	d.mu.Lock()
	var emitParticipants []media.Participant
	for _, p := range ev.Participants {
		d.participants[p.DeviceID] = p
		emitParticipants = append(emitParticipants, p)
	}

	var emitChats []media.ChatMessage
	for _, c := range ev.Chats {
		sender := d.participants[c.DeviceID] // zero value when unknown
		msg := media.ChatMessage{
			MessageID:       c.MessageID,
			DeviceID:        c.DeviceID,
			TimestampMicros: c.TimestampMicros,
			Text:            c.Text,
			Sender:          sender,
		}
		if _, seen := d.chats[c.MessageID]; !seen {
			d.chatOrder = append(d.chatOrder, c.MessageID)
		}
		d.chats[c.MessageID] = msg
		emitChats = append(emitChats, msg)
	}
	d.mu.Unlock()

	if d.onParticipant != nil {
		for _, p := range emitParticipants {
			d.onParticipant(p)
		}
	}
	if d.onChat != nil {
		for _, c := range emitChats {
			d.onChat(c)
		}
	}
}

// ApplyCaption records one caption revision, replacing any stored text for
// the same (caption id, device space).
func (d *Directory) ApplyCaption(c *media.Caption) {
	d.mu.Lock()
	d.captions[captionKey{c.DeviceSpace, c.CaptionID}] = *c
	d.mu.Unlock()

	if d.onCaption != nil {
		d.onCaption(*c)
	}
}

// Participant looks up a directory entry by device id.
func (d *Directory) Participant(deviceID string) (media.Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[deviceID]
	return p, ok
}

// Participants returns a snapshot of all known participants.
func (d *Directory) Participants() []media.Participant {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.Participant, 0, len(d.participants))
	for _, p := range d.participants {
		out = append(out, p)
	}
	return out
}

// ChatMessages returns the chat log in arrival order.
func (d *Directory) ChatMessages() []media.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.ChatMessage, 0, len(d.chatOrder))
	for _, id := range d.chatOrder {
		out = append(out, d.chats[id])
	}
	return out
}

// Captions returns a snapshot of the latest revision of every caption.
func (d *Directory) Captions() []media.Caption {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.Caption, 0, len(d.captions))
	for _, c := range d.captions {
		out = append(out, c)
	}
	return out
}
