package collab

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"collabmesh/pkg/replica"
)

// ErrEmptyText is returned when a message or agenda item has no text.
var ErrEmptyText = errors.New("text is empty")

// ChatMessage is one entry of the room chat.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Color     string `json:"color"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Chat is the room's message log, stored in the array "chat".
type Chat struct {
	c    *Coordinator
	list replica.Array
}

func (c *Coordinator) Chat() *Chat {
	return &Chat{c: c, list: c.doc.Array("chat")}
}

// Send appends a message from the local user.
func (ch *Chat) Send(text string) (ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, ErrEmptyText
	}
	if ch.c.destroyed {
		return ChatMessage{}, nil
	}
	u := ch.c.user
	msg := ChatMessage{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		UserName:  u.Name,
		Color:     u.Color,
		Text:      text,
		CreatedAt: ch.c.clock.Now().UnixMilli(),
	}
	if err := ch.list.Push(msg); err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

// Messages returns the log ordered by creation time.
func (ch *Chat) Messages() ([]ChatMessage, error) {
	msgs, err := replica.Decode[ChatMessage](ch.list)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
	return msgs, nil
}

func (ch *Chat) Observe(fn func()) (unobserve func()) {
	return ch.list.Observe(fn)
}
