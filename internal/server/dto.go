package server

import (
	"campustasks/internal/domain"
	"campustasks/internal/engine"
)

// Every success payload is wrapped in the same envelope so clients can
// branch on a single success flag.
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func ok[T any](data T) envelope[T] {
	return envelope[T]{Success: true, Data: data}
}

// Request payloads

type LoginRequest struct {
	Token string `json:"token"`
}

type DevLoginRequest struct {
	ProfileID string `json:"profile_id"`
	Email     string `json:"email" format:"email"`
}

type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	Category    string  `json:"category" enum:"errand,delivery,tutoring,moving,tech,other"`
	Window      string  `json:"window" enum:"NOW,TODAY,THIS_WEEK,SCHEDULED"`
	ScheduledAt *string `json:"scheduled_at,omitempty" format:"date-time"`
	PriceCents  int     `json:"price_cents"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	PriceCents  *int    `json:"price_cents,omitempty"`
}

type SendMessageRequest struct {
	Body string `json:"body"`
}

type CreateRatingRequest struct {
	Stars   int     `json:"stars" minimum:"1" maximum:"5"`
	Comment *string `json:"comment,omitempty"`
}

type CreateBlockRequest struct {
	BlockedID string `json:"blocked_id"`
}

// Response payloads

type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at" format:"date-time"`
	Profile   ProfileResponse `json:"profile"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProfileResponse struct {
	ID            string  `json:"id"`
	Email         string  `json:"email" format:"email"`
	DisplayName   *string `json:"display_name,omitempty"`
	AcceptedRules bool    `json:"accepted_rules"`
	RatingCount   int     `json:"rating_count"`
	RatingAverage float64 `json:"rating_average"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// PublicProfileResponse omits the email; only the owner sees it.
type PublicProfileResponse struct {
	ID            string  `json:"id"`
	DisplayName   *string `json:"display_name,omitempty"`
	RatingCount   int     `json:"rating_count"`
	RatingAverage float64 `json:"rating_average"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
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

type MessageResponse struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type" enum:"text,system"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RatingResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	RaterID   string  `json:"rater_id"`
	RateeID   string  `json:"ratee_id"`
	Stars     int     `json:"stars"`
	Comment   *string `json:"comment,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type BlockResponse struct {
	BlockedID string `json:"blocked_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedMessages struct {
	Items      []MessageResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func profileResponse(v engine.ProfileView) ProfileResponse {
	return ProfileResponse{
		ID:            v.ID,
		Email:         v.Email,
		DisplayName:   v.DisplayName,
		AcceptedRules: v.AcceptedRules,
		RatingCount:   v.RatingCount,
		RatingAverage: v.RatingAverage,
		CreatedAt:     v.CreatedAt,
	}
}

func publicProfileResponse(v engine.ProfileView) PublicProfileResponse {
	return PublicProfileResponse{
		ID:            v.ID,
		DisplayName:   v.DisplayName,
		RatingCount:   v.RatingCount,
		RatingAverage: v.RatingAverage,
		CreatedAt:     v.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		PosterID:    t.PosterID,
		AcceptorID:  t.AcceptorID,
		Status:      t.Status,
		Title:       t.Title,
		Description: t.Description,
		Location:    t.Location,
		Category:    t.Category,
		Window:      t.Window,
		ScheduledAt: t.ScheduledAt,
		PriceCents:  t.PriceCents,
		CreatedAt:   t.CreatedAt,
		AcceptedAt:  t.AcceptedAt,
		CompletedAt: t.CompletedAt,
		CanceledAt:  t.CanceledAt,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		TaskID:    m.TaskID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

func ratingResponse(r domain.Rating) RatingResponse {
	return RatingResponse{
		ID:        r.ID,
		TaskID:    r.TaskID,
		RaterID:   r.RaterID,
		RateeID:   r.RateeID,
		Stars:     r.Stars,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func blockResponse(b domain.Block) BlockResponse {
	return BlockResponse{BlockedID: b.BlockedID, CreatedAt: b.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func mapRatings(items []domain.Rating) []RatingResponse {
	res := make([]RatingResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ratingResponse(r))
	}
	return res
}

func mapBlocks(items []domain.Block) []BlockResponse {
	res := make([]BlockResponse, 0, len(items))
	for _, b := range items {
		res = append(res, blockResponse(b))
	}
	return res
}
