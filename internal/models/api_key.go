package models

// APIKey is a caller credential owned by a user. Keys are never deleted,
// only deactivated.
type APIKey struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Key       string    `db:"key" json:"key"`
	Name      *string   `db:"name" json:"name"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt Timestamp `db:"created_at" json:"created_at"`
}

// APIKeyRecord is an active key joined with its owner, attached to
// authenticated requests.
type APIKeyRecord struct {
	APIKey
	Username string `db:"username" json:"username"`
	IsAdmin  bool   `db:"is_admin" json:"is_admin"`
}

// APIUsage holds running totals for one key. All counters move together.
type APIUsage struct {
	APIKeyID          int64     `db:"api_key_id" json:"api_key_id"`
	TotalInputTokens  int64     `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64     `db:"total_output_tokens" json:"total_output_tokens"`
	TotalRequests     int64     `db:"total_requests" json:"total_requests"`
	UpdatedAt         Timestamp `db:"updated_at" json:"updated_at"`
}

// APIKeyWithUsage is a listing row. Username and IsAdmin are only set in
// the admin listing.
type APIKeyWithUsage struct {
	ID                int64     `db:"id" json:"id"`
	Key               string    `db:"key" json:"key"`
	Name              *string   `db:"name" json:"name"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         Timestamp `db:"created_at" json:"created_at"`
	Username          *string   `db:"username" json:"username,omitempty"`
	IsAdmin           *bool     `db:"is_admin" json:"is_admin,omitempty"`
	TotalInputTokens  int64     `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64     `db:"total_output_tokens" json:"total_output_tokens"`
	TotalRequests     int64     `db:"total_requests" json:"total_requests"`
}
