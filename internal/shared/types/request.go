package types

// InvokeRequest calls an operation of a named service.
type InvokeRequest struct {
	Name string `json:"name" binding:"required"`
	Op   string `json:"op" binding:"required"`
	Args []any  `json:"args"`
	// TimeoutMS bounds the whole call; zero waits forever.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// InvokeResponse carries the decoded reply.
type InvokeResponse struct {
	Status  int64  `json:"status"`
	Error   string `json:"error,omitempty"`
	Results []any  `json:"results,omitempty"`
}
