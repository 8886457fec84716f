package models

// MatchStatus enumerates the states of a directed like/pass row.
type MatchStatus string

const (
	MatchStatusPending  MatchStatus = "pending"
	MatchStatusMatched  MatchStatus = "matched"
	MatchStatusRejected MatchStatus = "rejected"
)

// Match records a single directed action (like or pass) from one user toward
// another. At most one row exists per directed pair; a mutual match flips the
// two inverse rows to matched atomically.
type Match struct {
	BaseModel

	UserID       string      `gorm:"type:uuid;not null;uniqueIndex:idx_matches_directed_pair,priority:1" json:"user_id"`
	TargetUserID string      `gorm:"type:uuid;not null;uniqueIndex:idx_matches_directed_pair,priority:2;index" json:"target_user_id"`
	Status       MatchStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	IsSuperLike  bool        `gorm:"default:false" json:"is_super_like"`
	CompatScore  int         `gorm:"default:0" json:"compat_score"`
	IsRead       bool        `gorm:"default:false" json:"is_read"`
}

// Involves reports whether the match row connects exactly the two supplied users.
func (m *Match) Involves(a, b string) bool {
	return (m.UserID == a && m.TargetUserID == b) || (m.UserID == b && m.TargetUserID == a)
}
