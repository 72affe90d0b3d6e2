package api

import "linkgate/cmd/internal/sessions"

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type listSessionsResponse struct {
	Sessions []sessions.SessionInfo `json:"sessions"`
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// ---- legacy shapes ----

type legacySession struct {
	SessionID string `json:"sessionId"`
}

type legacySendRequest struct {
	SessionID string `json:"sessionId"`
	Number    string `json:"number"`
	Message   string `json:"message"`
}

type legacyLogoutRequest struct {
	SessionID string `json:"sessionId"`
}
