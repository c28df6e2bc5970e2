package deepsearch

// Profile scales the research effort with the requested depth.
type Profile struct {
	Depth          int
	MinFinal       int // final-output agents the chain must contain
	MinFunctional  int // functional agents the chain must contain
	MinTokens      int // floor for each final agent's answer budget
	MaxWebResults  int // web results per external search
	MaxScrapeChars int // scraped characters per external search
}

// ProfileFor maps a depth to its effort profile. Depths below 1 clamp to 1,
// depths above 5 clamp to 5.
func ProfileFor(depth int) Profile {
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	return Profile{
		Depth:          depth,
		MinFinal:       depth,
		MinFunctional:  depth,
		MinTokens:      3000 + (depth-1)*2000,
		MaxWebResults:  depth,
		MaxScrapeChars: 60000 + (depth-1)*20000,
	}
}
