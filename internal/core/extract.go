package core

import (
	"regexp"
	"strconv"
	"strings"

	types "triage-chatbot/pkg"
)

// Extractors are pure functions over the normalized current message.  None of
// them look at history and all of them return an empty result on no match.

const (
	pediatricMaxAge = 15
	elderlyMinAge   = 65
	maxPlausibleAge = 120
)

var (
	ageUnderRE = regexp.MustCompile(`\b(?:duoi|chua den|chua toi)\s*(\d{1,3})\s*tuoi\b`)
	ageOverRE  = regexp.MustCompile(`\b(?:tren|hon|ngoai)\s*(\d{1,3})\s*tuoi\b`)
	ageRangeRE = regexp.MustCompile(`\b(\d{1,3})\s*(?:-|–|den|toi)\s*(\d{1,3})\s*tuoi\b`)
	ageExactRE = regexp.MustCompile(`\b(\d{1,3})\s*tuoi\b`)

	durationDaysRE   = regexp.MustCompile(`\b(\d{1,3})\s*ngay\b`)
	durationWeeksRE  = regexp.MustCompile(`\b(\d{1,2})\s*tuan\b`)
	durationMonthsRE = regexp.MustCompile(`\b(\d{1,2})\s*thang\b`)

	severityOutOfTenRE = regexp.MustCompile(`\b(\d{1,2})\s*/\s*10\b`)
	severityContextRE  = regexp.MustCompile(`\b(?:muc|muc do|diem|cap do)\s*(\d{1,2})\b`)
	severityBareRE     = regexp.MustCompile(`^\s*(\d{1,2})\s*[.!]?\s*$`)

	yearsAsNamRE = regexp.MustCompile(`\d+\s*nam\b`)
)

// AgeInfo is the result of age extraction.  Pediatric and Elderly may be set
// without an Age when only an age-bracket keyword was found.
type AgeInfo struct {
	Age       *int
	Pediatric bool
	Elderly   bool
}

// ExtractAge tries, in order: "under N", "over N", a range "A-B", and an exact
// "N tuoi".  The first pattern that yields a plausible age wins.
func ExtractAge(norm string) AgeInfo {
	if n, ok := firstInt(ageUnderRE, norm); ok {
		age := max(n-1, 0)
		return AgeInfo{Age: &age, Pediatric: n <= pediatricMaxAge}
	}
	if n, ok := firstInt(ageOverRE, norm); ok {
		age := n + 5
		return AgeInfo{Age: &age, Elderly: n >= elderlyMinAge}
	}
	if m := ageRangeRE.FindStringSubmatch(norm); m != nil {
		a, errA := strconv.Atoi(m[1])
		b, errB := strconv.Atoi(m[2])
		if errA == nil && errB == nil && a <= maxPlausibleAge && b <= maxPlausibleAge {
			mid := (a + b) / 2
			return classifyAge(mid)
		}
	}
	if n, ok := firstInt(ageExactRE, norm); ok {
		return classifyAge(n)
	}
	switch {
	case containsAnyTerm(norm, "be", "chau", "tre em", "tre nho", "con toi", "con nho") != "":
		return AgeInfo{Pediatric: true}
	case containsAnyTerm(norm, "nguoi gia", "cao tuoi", "lon tuoi", "ong gia", "ba gia", "gia yeu") != "":
		return AgeInfo{Elderly: true}
	}
	return AgeInfo{}
}

func classifyAge(age int) AgeInfo {
	return AgeInfo{Age: &age, Pediatric: age <= pediatricMaxAge, Elderly: age >= elderlyMinAge}
}

func firstInt(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > maxPlausibleAge {
		return 0, false
	}
	return n, true
}

// ExtractGender looks for explicit gender markers.  "viet nam" and "N nam"
// (N years) are removed first so that they are not read as "nam" (male).
func ExtractGender(norm string) *types.Gender {
	text := strings.ReplaceAll(norm, "viet nam", " ")
	text = yearsAsNamRE.ReplaceAllString(text, " ")
	if containsAnyTerm(text, "nu", "phu nu", "nu gioi", "con gai", "be gai") != "" {
		g := types.GenderFemale
		return &g
	}
	if containsAnyTerm(text, "nam", "nam gioi", "dan ong", "con trai", "be trai") != "" {
		g := types.GenderMale
		return &g
	}
	return nil
}

// ExtractDuration returns a display string for how long the complaint has
// lasted.  Relative "today" keywords take priority over counted units.
func ExtractDuration(norm string) *string {
	var d string
	switch {
	case containsAnyTerm(norm, "hom nay", "vua moi", "moi day", "sang nay", "toi nay", "chieu nay") != "":
		d = "hôm nay"
	case containsTerm(norm, "hom qua"):
		d = "1 ngày"
	default:
		if n, ok := firstInt(durationDaysRE, norm); ok {
			d = strconv.Itoa(n) + " ngày"
		} else if n, ok := firstInt(durationWeeksRE, norm); ok {
			d = strconv.Itoa(n) + " tuần"
		} else if n, ok := firstInt(durationMonthsRE, norm); ok {
			d = strconv.Itoa(n) + " tháng"
		}
	}
	if d == "" {
		return nil
	}
	return &d
}

// locationPatterns is ordered from specific to general.
var locationPatterns = []struct {
	pattern string
	name    string
}{
	{"bung tren", "bụng trên"},
	{"thuong vi", "bụng trên"},
	{"bung duoi", "bụng dưới"},
	{"vung chau", "bụng dưới"},
	{"quanh ron", "quanh rốn"},
	{"ha suon phai", "hạ sườn phải"},
	{"ha suon trai", "hạ sườn trái"},
	{"nguc trai", "ngực trái"},
	{"nguc phai", "ngực phải"},
	{"sau uc", "ngực"},
	{"nguc", "ngực"},
	{"da day", "bụng trên"},
	{"bung", "bụng"},
	{"dau dau", "đầu"},
	{"thai duong", "đầu"},
	{"co hong", "họng"},
	{"hong", "họng"},
	{"dau tai", "tai"},
	{"trong tai", "tai"},
	{"viem tai", "tai"},
	{"u tai", "tai"},
	{"mui", "mũi"},
	{"ngoai da", "da"},
	{"tren da", "da"},
	{"da mat", "da"},
	{"dau mat", "mắt"},
	{"mo mat", "mắt"},
	{"lung", "lưng"},
	{"that lung", "lưng"},
	{"khop", "khớp"},
	{"dau goi", "khớp"},
	{"co tay", "tay"},
	{"canh tay", "tay"},
	{"ban tay", "tay"},
	{"ban chan", "chân"},
	{"chan", "chân"},
	{"khap nguoi", "toàn thân"},
	{"toan than", "toàn thân"},
}

// ExtractLocation returns the first body location found.
func ExtractLocation(norm string) *string {
	for _, p := range locationPatterns {
		if containsTerm(norm, p.pattern) {
			name := p.name
			return &name
		}
	}
	return nil
}

// Severity is the outcome of severity extraction.
type Severity struct {
	Score *int
	Level *types.SeverityLevel
}

var (
	severityHighTerms     = []string{"du doi", "rat dau", "dau lam", "dau qua", "rat nang", "nang lam", "khong chiu noi", "kinh khung", "nghiem trong", "nang", "rat nhieu"}
	severityModerateTerms = []string{"vua phai", "trung binh", "kha dau", "hoi nhieu"}
	severityLowTerms      = []string{"nhe", "hoi dau", "khong nhieu", "it", "chut"}
)

// ExtractSeverity prefers a numeric "X/10", then a bare 1-10 integer in
// context, then keyword buckets when no number was given.
func ExtractSeverity(norm string) Severity {
	if n, ok := firstInt(severityOutOfTenRE, norm); ok && n >= 1 && n <= 10 {
		return scoredSeverity(n)
	}
	if n, ok := firstInt(severityContextRE, norm); ok && n >= 1 && n <= 10 {
		return scoredSeverity(n)
	}
	if n, ok := firstInt(severityBareRE, norm); ok && n >= 1 && n <= 10 {
		return scoredSeverity(n)
	}
	var level types.SeverityLevel
	switch {
	case containsAnyTerm(norm, severityHighTerms...) != "":
		level = types.SeverityHigh
	case containsAnyTerm(norm, severityModerateTerms...) != "":
		level = types.SeverityModerate
	case containsAnyTerm(norm, severityLowTerms...) != "":
		level = types.SeverityLow
	default:
		return Severity{}
	}
	return Severity{Level: &level}
}

func scoredSeverity(n int) Severity {
	level := types.SeverityLow
	switch {
	case n >= 7:
		level = types.SeverityHigh
	case n >= 4:
		level = types.SeverityModerate
	}
	return Severity{Score: &n, Level: &level}
}

var pregnancyTerms = []string{"mang thai", "co thai", "dang bau", "co bau", "thai nghen", "thai ky", "dang mang bau"}

// DetectPregnancy reports whether the message states a pregnancy.
func DetectPregnancy(norm string) bool {
	return containsAnyTerm(norm, pregnancyTerms...) != ""
}
