package domain

import "time"

type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// GenerationKind selects which gateway call a turn is dispatched to.
type GenerationKind string

const (
	KindText  GenerationKind = "text"
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Anonymous   bool      `json:"anonymous"`
	Provider    string    `json:"provider,omitempty"`
	Subject     string    `json:"-"`
	PassHash    string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Image is carried inline; identical payloads are stored twice.
type Image struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type Video struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
}

type Audio struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Citation is a web reference returned alongside a grounded answer.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Images    []Image    `json:"images,omitempty"`
	Video     *Video     `json:"video,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Audio     *Audio     `json:"audio,omitempty"`
	Status    string     `json:"status,omitempty"`

	// In-progress flags. At most one is set at a time.
	Loading         bool `json:"isLoading,omitempty"`
	GeneratingImage bool `json:"isGeneratingImage,omitempty"`
	GeneratingVideo bool `json:"isGeneratingVideo,omitempty"`
}

// Pending reports whether any generation is still in flight for the message.
func (m Message) Pending() bool {
	return m.Loading || m.GeneratingImage || m.GeneratingVideo
}

// Settle clears every in-progress flag and the transient status line.
func (m *Message) Settle() {
	m.Loading = false
	m.GeneratingImage = false
	m.GeneratingVideo = false
	m.Status = ""
}

// MarkPending sets the single in-progress flag matching kind.
func (m *Message) MarkPending(kind GenerationKind) {
	m.Settle()
	switch kind {
	case KindImage:
		m.GeneratingImage = true
	case KindVideo:
		m.GeneratingVideo = true
	default:
		m.Loading = true
	}
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep enough copy for handing to another goroutine.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		cp := m
		if m.Images != nil {
			cp.Images = append([]Image(nil), m.Images...)
		}
		if m.Citations != nil {
			cp.Citations = append([]Citation(nil), m.Citations...)
		}
		if m.Video != nil {
			v := *m.Video
			cp.Video = &v
		}
		if m.Audio != nil {
			a := *m.Audio
			cp.Audio = &a
		}
		out.Messages[i] = cp
	}
	return out
}

// IndexOf returns the position of the message with id, or -1.
func (s Session) IndexOf(messageID string) int {
	for i, m := range s.Messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// SessionPatch carries a partial field update for a stored session.
type SessionPatch struct {
	Title     *string
	UpdatedAt time.Time
}

// Settings are the per-user generation options read on every gateway call.
type Settings struct {
	Model             string  `json:"model"`
	Temperature       float32 `json:"temperature"`
	UseSearch         bool    `json:"useSearch"`
	UseThinking       bool    `json:"useThinking"`
	SystemInstruction string  `json:"systemInstruction"`
	AspectRatio       string  `json:"aspectRatio"`
	Resolution        string  `json:"resolution"`
	Voice             string  `json:"voice"`
}
