package domain

// ResolveTier returns the capability tier userID holds on the board. The
// owner always resolves to TierOwner even without a membership entry.
func ResolveTier(b *Board, userID string) Tier {
	if b.Owner == userID {
		return TierOwner
	}
	for _, m := range b.Members {
		if m.UserID == userID {
			return ParseTier(m.Role)
		}
	}
	return TierNone
}

// RequireAtLeast fails with ErrForbidden unless userID holds at least min on
// the board. Every structural mutation calls this before touching the
// ordering or the store.
func RequireAtLeast(b *Board, userID string, min Tier) error {
	if tier := ResolveTier(b, userID); tier < min {
		return forbiddenf("user %s has %s access to board %s, needs %s", userID, tier, b.ID, min)
	}
	return nil
}
