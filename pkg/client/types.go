package client

// StatusResponse is the daemon's view of the node status.
type StatusResponse struct {
	Status       string `json:"status"`
	Label        string `json:"label"`
	ActiveButton string `json:"active_button"`
	Invalid      bool   `json:"invalid"`
	PID          int    `json:"pid,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
