package model

// User is the identity snapshot supplied by the external identity
// provider. Roster entries are cached copies of this record; the
// authoritative participant set is Room.Participants.
type User struct {
	ID          string `json:"uid"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}
