package models

// RegistrationStatus is the lifecycle state of a registration request.
type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// RegistrationRequest awaits admin approval. Approved and rejected are terminal.
type RegistrationRequest struct {
	ID           int64              `db:"id" json:"id"`
	Username     string             `db:"username" json:"username"`
	PasswordHash string             `db:"password_hash" json:"-"`
	Status       RegistrationStatus `db:"status" json:"status"`
	CreatedAt    Timestamp          `db:"created_at" json:"created_at"`
}

func (r *RegistrationRequest) IsPending() bool {
	return r.Status == RegistrationPending
}
