package api

// InjectRequest is the body of POST /api/v1/input.
type InjectRequest struct {
	// Text is the utterance to segment and enqueue.
	Text string `json:"text" binding:"required"`

	// Speaker optionally names who said it: an identity id or a
	// speaker id. Empty rides as the pinned current identity.
	Speaker string `json:"speaker,omitempty"`
}

// WakeRequest is the body of POST /api/v1/wake.
type WakeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SleepRequest is the body of POST /api/v1/sleep.
type SleepRequest struct {
	Reason string `json:"reason,omitempty"`
}
