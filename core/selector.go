package core

// SelectPeer implements §4.5: score every candidate relay and return the
// highest-scoring one, excluding selfOnion, ties broken by input order. An
// empty or all-self input returns nil.
//
// chainFreshness has no dedicated field on RelayRecord (the wire schema in
// §6.1 never names one); it is derived here as the candidate's reported
// chain length relative to the directory's canonical manifest length, which
// is the only freshness signal the directory actually has on hand. When the
// canonical length is unknown (0), freshness falls back to the spec's
// documented default of 0.5, same as a missing field would.
func SelectPeer(relays []RelayRecord, selfOnion string, canonicalLength int) *RelayRecord {
	var best *RelayRecord
	bestScore := -1.0

	for i := range relays {
		r := relays[i]
		if r.Onion == selfOnion || r.ID == selfOnion {
			continue
		}
		if r.EffectiveURL() == "" {
			continue
		}
		score := scoreRelay(r, canonicalLength)
		if score > bestScore {
			bestScore = score
			best = &relays[i]
		}
	}
	return best
}

func scoreRelay(r RelayRecord, canonicalLength int) float64 {
	latencyMs := 1500.0
	if r.LatencyMs != nil && *r.LatencyMs > 0 {
		latencyMs = float64(*r.LatencyMs)
	}
	if latencyMs > 3000 {
		latencyMs = 3000
	}
	latencyScore := 1 - latencyMs/3000
	if latencyScore < 0 {
		latencyScore = 0
	}

	reachabilityScore := 0.5
	if r.Reachability != nil {
		reachabilityScore = *r.Reachability
	}

	freshnessScore := 0.5
	if canonicalLength > 0 {
		freshnessScore = float64(r.ChainSummary.Length) / float64(canonicalLength)
		if freshnessScore > 1 {
			freshnessScore = 1
		}
	}

	gfwPenalty := 1.0
	if r.GFWBlocked {
		gfwPenalty = 0.2
	}

	return (0.5*latencyScore + 0.25*reachabilityScore + 0.25*freshnessScore) * gfwPenalty
}
