package models

// Account is the replicated public record under accounts/{identifier}.
//
// Secrets are never part of this record; the auth collaborator keeps them locally.
type Account struct {
	Identifier string `json:"identifier" validate:"required"`
	CreatedAt  int64  `json:"createdAt"`
	IsOnline   bool   `json:"isOnline"`
	LastSeenAt int64  `json:"lastSeenAt"`
}
