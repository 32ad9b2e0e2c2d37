package evaluator

// Freshness is the engine's belief about whether a stored value reflects its
// declared inputs. It is stored as one of these three string values in the
// freshness sublevel.
type Freshness string

const (
	Missing             Freshness = "missing"
	UpToDate            Freshness = "up-to-date"
	PotentiallyOutdated Freshness = "potentially-outdated"
)
