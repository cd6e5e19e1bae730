package session

import "time"

// CreateRequest is the POST body for opening a tutoring session.
type CreateRequest struct {
	LearnerID      string `json:"learner_id"`
	TutorProfileID string `json:"tutor_profile_id"`
	VoiceID        string `json:"voice_id"`
}

// CreateResponse echoes the session record plus the inactivity TTL the
// client should keep its reconnect logic under.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	LearnerID       string    `json:"learner_id"`
	Status          Status    `json:"status"`
	TutorProfileID  string    `json:"tutor_profile_id"`
	VoiceID         string    `json:"voice_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
