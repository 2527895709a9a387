package core

import (
	"sort"
	"strings"

	types "triage-chatbot/pkg"
)

// ExtractSymptoms adds every distinct active rule keyword present in msg to
// the known set.  Keywords keep their accented form for display; the known set
// is never reduced.  Single-syllable keywords fold onto everyday words ("ho"
// cough and "họ" they, "nôn" and "non"), so they are compared with their
// diacritics whenever the message carries any.
func ExtractSymptoms(msg string, rules []types.SymptomRule, known []string) []string {
	folded := Normalize(msg)
	accented := lowerAccented(msg)
	toneMarked := accented != folded

	out := append([]string{}, known...)
	seen := make(map[string]bool, len(known))
	for _, k := range known {
		seen[Normalize(k)] = true
	}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		for _, kw := range r.Keywords {
			nk := Normalize(kw)
			if seen[nk] {
				continue
			}
			text, term := folded, nk
			if toneMarked && !strings.Contains(nk, " ") {
				text, term = accented, lowerAccented(kw)
			}
			if containsTerm(text, term) {
				seen[nk] = true
				out = append(out, kw)
			}
		}
	}
	return out
}

// Candidate is a department that qualified for the accumulated symptoms.
type Candidate struct {
	Rule    types.SymptomRule
	Matches int
	Score   float64
}

const specialtyBoost = 1.5

// ScoreDepartments ranks qualifying symptom rules.  A rule keyword and a known
// symptom match when either contains the other; each symptom counts at most
// once per rule.  Ties keep rule order.
func ScoreDepartments(symptoms []string, rules []types.SymptomRule, snap ConversationSnapshot) []Candidate {
	normSymptoms := make([]string, len(symptoms))
	for i, s := range symptoms {
		normSymptoms[i] = Normalize(s)
	}
	var out []Candidate
	for _, r := range rules {
		if !r.Active || !r.Department.Active {
			continue
		}
		normKeywords := make([]string, len(r.Keywords))
		for i, k := range r.Keywords {
			normKeywords[i] = Normalize(k)
		}
		matches := 0
		for _, s := range normSymptoms {
			for _, k := range normKeywords {
				if containsTerm(s, k) || containsTerm(k, s) {
					matches++
					break
				}
			}
		}
		minMatch := max(r.MinMatch, 1)
		if matches < minMatch {
			continue
		}
		score := float64(matches * r.Priority)
		if specialtyMatchesContext(r.Department, snap) {
			score *= specialtyBoost
		}
		out = append(out, Candidate{Rule: r, Matches: matches, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func specialtyMatchesContext(d types.Department, snap ConversationSnapshot) bool {
	return (snap.IsPregnant && isObstetrics(d)) || (snap.IsPediatric && isPediatrics(d))
}

func isObstetrics(d types.Department) bool {
	return containsAnyTerm(Normalize(d.NameVI), "san", "phu san", "san khoa") != "" ||
		containsAnyTerm(Normalize(d.NameEN), "obstetrics", "gynecology") != ""
}

func isPediatrics(d types.Department) bool {
	return containsAnyTerm(Normalize(d.NameVI), "nhi", "nhi khoa") != "" ||
		containsAnyTerm(Normalize(d.NameEN), "pediatrics", "paediatrics") != ""
}

// AggregateScore is recomputed in full every turn from the snapshot.
func AggregateScore(s ConversationSnapshot) float64 {
	var keyword float64
	switch n := len(s.Symptoms); {
	case n == 0:
		keyword = 0
	case n == 1:
		keyword = 2
	case n == 2:
		keyword = 3
	case n == 3:
		keyword = 4
	default:
		keyword = 5
	}

	var ctx float64
	for _, f := range []bool{s.IsPregnant, s.IsPediatric, s.IsElderly, s.IsSevere} {
		if f {
			ctx++
		}
	}
	ctx = min(ctx, 3)

	var info float64
	if s.Age != nil {
		info += 0.5
	}
	if s.Gender != nil {
		info += 0.5
	}
	if s.Duration != nil {
		info += 0.5
	}
	if s.Location != nil {
		info += 0.5
	}
	info = min(info, 2)

	return clamp(keyword+ctx+info, 0, 10)
}

// Confidence converts an aggregate score into the [0,1] value returned to
// callers.
func Confidence(score float64) float64 {
	return clamp(score/10, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
