package domain

import "time"

// ResolveMoveWinner decides whether an incoming write claiming incomingVersion
// at incomingTime may replace the stored record.
func ResolveMoveWinner(stored Task, incomingVersion int64, incomingTime time.Time) bool {
	if incomingVersion < stored.Version {
		return false
	}
	if incomingVersion == stored.Version {
		return incomingTime.After(stored.UpdatedAt)
	}
	return true
}

// EditFields are the optional fields of an edit.
type EditFields struct {
	Title       *string
	Description *string
}

// MergeEdit builds a patch where absent incoming fields keep their existing values.
func MergeEdit(existing Task, incoming EditFields) TaskPatch {
	patch := TaskPatch{Title: StringPtr(existing.Title)}
	if incoming.Title != nil {
		patch.Title = StringPtr(*incoming.Title)
	}
	if incoming.Description != nil {
		patch.Description = StringPtr(*incoming.Description)
	} else if existing.Description != nil {
		patch.Description = StringPtr(*existing.Description)
	}
	return patch
}
