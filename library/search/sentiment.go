package search

var (
	positiveTerms = map[string]struct{}{
		"good": {}, "great": {}, "excellent": {}, "amazing": {}, "awesome": {},
		"love": {}, "like": {}, "useful": {}, "helpful": {}, "impressive": {},
		"promising": {}, "best": {}, "better": {}, "nice": {}, "fantastic": {},
		"happy": {}, "interesting": {}, "robust": {}, "fast": {}, "clean": {},
		"elegant": {}, "breakthrough": {}, "win": {}, "works": {}, "recommend": {},
	}
	negativeTerms = map[string]struct{}{
		"bad": {}, "terrible": {}, "awful": {}, "hate": {}, "worst": {},
		"worse": {}, "useless": {}, "broken": {}, "slow": {}, "bug": {},
		"buggy": {}, "fail": {}, "fails": {}, "failure": {}, "wrong": {},
		"disappointing": {}, "overhyped": {}, "hype": {}, "confusing": {}, "problem": {},
		"issue": {}, "crash": {}, "scam": {}, "poor": {}, "sad": {},
	}
	negators = map[string]struct{}{
		"not": {}, "no": {}, "never": {}, "dont": {}, "don": {}, "isn": {}, "isnt": {},
		"wasn": {}, "doesn": {}, "doesnt": {}, "hardly": {},
	}
)

// ScoreSentiment returns a lexicon polarity score in [-1, 1].
// A negator flips the polarity of the next sentiment term within two tokens.
// Returns nil when the text carries no tokens at all.
func ScoreSentiment(text string) *float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var positive, negative float64
	negateWindow := 0
	for _, token := range tokens {
		if _, ok := negators[token]; ok {
			negateWindow = 2
			continue
		}

		polarity := 0
		if _, ok := positiveTerms[token]; ok {
			polarity = 1
		} else if _, ok := negativeTerms[token]; ok {
			polarity = -1
		}

		if polarity != 0 && negateWindow > 0 {
			polarity = -polarity
			negateWindow = 0
		}
		switch polarity {
		case 1:
			positive++
		case -1:
			negative++
		}

		if negateWindow > 0 {
			negateWindow--
		}
	}

	score := 0.0
	if total := positive + negative; total > 0 {
		score = (positive - negative) / total
	}
	return &score
}
