package worker

// IngestFilePayload is the body of a queued file ingestion. SealedToken is the
// caller's delegated provider token at enqueue time, sealed with auth.Sealer;
// the plain token never reaches the queue.
type IngestFilePayload struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	SealedToken string `json:"sealed_token,omitempty"`
	// Unix seconds, zero when the token carries no expiry.
	TokenExpiry int64  `json:"token_expiry,omitempty"`
	FileID      string `json:"file_id"`

	CorrelationID string `json:"correlation_id"`
}
