package session

// Resolution is the outcome of a create conflict that could be settled.
type Resolution struct {
	Session *Session
	// Resumed is true when an existing session was returned instead of a new one.
	Resumed bool
}

// ResolveCreateConflict decides what a failed conditional create means.
// The owner of the existing session gets it back; anyone else gets a
// ConflictError naming the owner.
func ResolveCreateConflict(existingOwnerUserID, requestingUserID string, existing *Session) (*Resolution, error) {
	if existingOwnerUserID == requestingUserID {
		return &Resolution{Session: existing, Resumed: true}, nil
	}
	topicID := ""
	if existing != nil {
		topicID = existing.TopicID()
	}
	return nil, &ConflictError{
		TopicID:          topicID,
		OwningUserID:     existingOwnerUserID,
		RequestingUserID: requestingUserID,
	}
}
