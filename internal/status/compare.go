package status

// ComparisonResult classifies the relationship between the local and
// remote digests after an exchange.
type ComparisonResult int

const (
	// Match - digests are identical.
	Match ComparisonResult = iota
	// Ahead - local state strictly contains the remote state.
	Ahead
	// Behind - remote state strictly contains the local state.
	Behind
	// Diverged - digests differ and no ordering is known.
	Diverged
)

func (r ComparisonResult) String() string {
	switch r {
	case Match:
		return "match"
	case Ahead:
		return "ahead"
	case Behind:
		return "behind"
	case Diverged:
		return "diverged"
	default:
		return "invalid"
	}
}

// OrderingHint is an external ancestry signal between two digests.
// Digests are opaque, so nothing in this package can derive one; without
// a hint, unequal digests always classify as Diverged.
type OrderingHint int

const (
	OrderingUnknown OrderingHint = iota
	OrderingLocalNewer
	OrderingRemoteNewer
)

// Classify compares the local digest against the remote one.
func Classify(local, remote Digest, ordering OrderingHint) ComparisonResult {
	if local == remote {
		return Match
	}
	switch ordering {
	case OrderingLocalNewer:
		return Ahead
	case OrderingRemoteNewer:
		return Behind
	default:
		return Diverged
	}
}
