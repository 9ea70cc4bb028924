package domain

// Task lifecycle statuses. COMPLETE and CANCELED are terminal.
const (
	TaskOpen     = "OPEN"
	TaskAccepted = "ACCEPTED"
	TaskComplete = "COMPLETE"
	TaskCanceled = "CANCELED"
)

// Time windows. WindowScheduled is the only variant that carries a
// scheduled_at timestamp.
const (
	WindowNow       = "NOW"
	WindowToday     = "TODAY"
	WindowThisWeek  = "THIS_WEEK"
	WindowScheduled = "SCHEDULED"
)

// Message types.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

// SystemSender is the sender ID recorded on lifecycle-generated messages.
const SystemSender = "system"

var Categories = []string{"errand", "delivery", "tutoring", "moving", "tech", "other"}

func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

func ValidWindow(w string) bool {
	switch w {
	case WindowNow, WindowToday, WindowThisWeek, WindowScheduled:
		return true
	}
	return false
}

type Profile struct {
	ID            string  `json:"id"`
	Email         string  `json:"email" format:"email"`
	DisplayName   *string `json:"display_name,omitempty"`
	AcceptedRules bool    `json:"accepted_rules"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	PosterID    string  `json:"poster_id"`
	AcceptorID  *string `json:"acceptor_id,omitempty"`
	Status      string  `json:"status" enum:"OPEN,ACCEPTED,COMPLETE,CANCELED"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Location    string  `json:"location,omitempty"`
	Category    string  `json:"category" enum:"errand,delivery,tutoring,moving,tech,other"`
	Window      string  `json:"window" enum:"NOW,TODAY,THIS_WEEK,SCHEDULED"`
	ScheduledAt *string `json:"scheduled_at,omitempty" format:"date-time"`
	PriceCents  int     `json:"price_cents"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	AcceptedAt  *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CanceledAt  *string `json:"canceled_at,omitempty" format:"date-time"`
}

// Participant reports whether profileID is the task's poster or acceptor.
func (t Task) Participant(profileID string) bool {
	if profileID == "" {
		return false
	}
	if t.PosterID == profileID {
		return true
	}
	return t.AcceptorID != nil && *t.AcceptorID == profileID
}

// OtherParticipant returns the counterpart of profileID on the task, or ""
// when profileID is not a participant or no acceptor exists yet.
func (t Task) OtherParticipant(profileID string) string {
	if t.AcceptorID == nil {
		return ""
	}
	switch profileID {
	case t.PosterID:
		return *t.AcceptorID
	case *t.AcceptorID:
		return t.PosterID
	}
	return ""
}

func (t Task) Terminal() bool {
	return t.Status == TaskComplete || t.Status == TaskCanceled
}

type Message struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type" enum:"text,system"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Rating struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	RaterID   string  `json:"rater_id"`
	RateeID   string  `json:"ratee_id"`
	Stars     int     `json:"stars" minimum:"1" maximum:"5"`
	Comment   *string `json:"comment,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Block struct {
	BlockerID string `json:"blocker_id"`
	BlockedID string `json:"blocked_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Session struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	TokenHash string `json:"token_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
