package prompts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/iago/jyotish-reports/internal/domain"
)

var planetOrder = []string{"Sun", "Moon", "Mars", "Mercury", "Jupiter", "Venus", "Saturn", "Rahu", "Ketu"}

var zodiac = []string{
	"Aries", "Taurus", "Gemini", "Cancer", "Leo", "Virgo",
	"Libra", "Scorpio", "Sagittarius", "Capricorn", "Aquarius", "Pisces",
}

// chartView is the nil-safe projection of a chart that templates render.
// Missing values read as "?" so a sparse chart still yields a usable prompt.
type chartView struct {
	chart    domain.ChartData
	Language domain.Language
	Year     int
}

type planetView struct {
	Name       string
	Sign       string
	Degrees    string
	House      string
	Nakshatra  string
	Pada       string
	Lord       string
	Retrograde bool
	Combust    bool
}

func (p planetView) Flags() string {
	var flags strings.Builder
	if p.Retrograde {
		flags.WriteString(" [RETROGRADE]")
	}
	if p.Combust {
		flags.WriteString(" [COMBUST]")
	}
	return flags.String()
}

type houseView struct {
	Number    string
	Sign      string
	Lord      string
	Occupants string
	LordAt    planetView
}

func (v chartView) LanguageName() string {
	if v.Language == domain.LanguageHindi {
		return "Hindi"
	}
	return "English"
}

func (v chartView) Hindi() bool {
	return v.Language == domain.LanguageHindi
}

func (v chartView) LagnaSign() string {
	if v.chart.Lagna == nil {
		return "Unknown"
	}
	return orUnknown(v.chart.Lagna.Sign)
}

func (v chartView) LagnaSignNum() string {
	if v.chart.Lagna == nil || v.chart.Lagna.SignNum == 0 {
		return "?"
	}
	return strconv.Itoa(v.chart.Lagna.SignNum)
}

func (v chartView) LagnaDegrees() string {
	if v.chart.Lagna == nil {
		return "N/A"
	}
	return degrees(v.chart.Lagna.Degrees, "N/A")
}

func (v chartView) LagnaLord() string {
	if v.chart.Lagna == nil {
		return "Unknown"
	}
	return orUnknown(v.chart.Lagna.Lord)
}

func (v chartView) LagnaLordAt() planetView {
	if v.chart.Lagna == nil {
		return v.Planet("")
	}
	return v.Planet(v.chart.Lagna.Lord)
}

func (v chartView) Planet(name string) planetView {
	view := planetView{Name: name, Sign: "?", Degrees: "?", House: "?", Nakshatra: "?", Pada: "?", Lord: "?"}
	info, ok := v.chart.Planets[name]
	if !ok {
		return view
	}
	view.Sign = orQuestion(info.Sign)
	view.Degrees = degrees(info.Degrees, "?")
	if info.House > 0 {
		view.House = strconv.Itoa(info.House)
	}
	view.Nakshatra = orQuestion(info.Nakshatra)
	if info.Pada > 0 {
		view.Pada = strconv.Itoa(info.Pada)
	}
	view.Lord = orQuestion(info.Lord)
	view.Retrograde = info.Retrograde
	view.Combust = info.Combust
	return view
}

func (v chartView) House(number string) houseView {
	view := houseView{Number: number, Sign: "?", Lord: "?", Occupants: "Empty"}
	info, ok := v.chart.Houses[number]
	if !ok {
		view.LordAt = v.Planet("")
		return view
	}
	view.Sign = orQuestion(info.Sign)
	view.Lord = orQuestion(info.Lord)
	if len(info.Planets) > 0 {
		view.Occupants = strings.Join(info.Planets, ", ")
	}
	view.LordAt = v.Planet(info.Lord)
	return view
}

func (v chartView) Planets() string {
	if len(v.chart.Planets) == 0 {
		return "Planetary data not available"
	}
	lines := make([]string, 0, len(v.chart.Planets))
	for _, name := range orderedPlanets(v.chart.Planets) {
		p := v.Planet(name)
		lines = append(lines, fmt.Sprintf(
			"- **%s**: %s (%s°) in %sth house, %s Nakshatra Pada %s, Lord: %s%s",
			name, p.Sign, p.Degrees, p.House, p.Nakshatra, p.Pada, p.Lord, p.Flags(),
		))
	}
	return strings.Join(lines, "\n")
}

func (v chartView) Houses() string {
	if len(v.chart.Houses) == 0 {
		return "House data not available"
	}
	numbers := make([]string, 0, len(v.chart.Houses))
	for number := range v.chart.Houses {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool {
		a, errA := strconv.Atoi(numbers[i])
		b, errB := strconv.Atoi(numbers[j])
		if errA != nil || errB != nil {
			return numbers[i] < numbers[j]
		}
		return a < b
	})

	lines := make([]string, 0, len(numbers))
	for _, number := range numbers {
		h := v.House(number)
		lines = append(lines, fmt.Sprintf("- **%sth House**: %s, Lord: %s, Occupants: %s", number, h.Sign, h.Lord, h.Occupants))
	}
	return strings.Join(lines, "\n")
}

func (v chartView) DashaBalance() string {
	if v.chart.Dashas == nil || v.chart.Dashas.BalanceAtBirth == nil {
		return "? Dasha — ?Y ?M ?D remaining"
	}
	b := v.chart.Dashas.BalanceAtBirth
	return fmt.Sprintf("%s Dasha — %dY %dM %dD remaining", orQuestion(b.Planet), b.Years, b.Months, b.Days)
}

func (v chartView) Current() domain.CurrentDasha {
	current := domain.CurrentDasha{
		Mahadasha: "?", Antardasha: "?",
		MahadashaStart: "?", MahadashaEnd: "?",
		AntardashaStart: "?", AntardashaEnd: "?",
	}
	if v.chart.Dashas == nil || v.chart.Dashas.Current == nil {
		return current
	}
	c := v.chart.Dashas.Current
	current.Mahadasha = orQuestion(c.Mahadasha)
	current.Antardasha = orQuestion(c.Antardasha)
	current.MahadashaStart = orQuestion(c.MahadashaStart)
	current.MahadashaEnd = orQuestion(c.MahadashaEnd)
	current.AntardashaStart = orQuestion(c.AntardashaStart)
	current.AntardashaEnd = orQuestion(c.AntardashaEnd)
	return current
}

func (v chartView) DashaSequence() string {
	if v.chart.Dashas == nil || len(v.chart.Dashas.Sequence) == 0 {
		return "Dasha sequence not available"
	}
	lines := make([]string, 0, len(v.chart.Dashas.Sequence))
	for _, period := range v.chart.Dashas.Sequence {
		lines = append(lines, fmt.Sprintf("- **%s** Mahadasha: %s → %s",
			orQuestion(period.Planet), orQuestion(period.Start), orQuestion(period.End)))
	}
	return strings.Join(lines, "\n")
}

func (v chartView) YogaCount() int {
	return len(v.chart.Yogas)
}

func (v chartView) Yogas() string {
	if len(v.chart.Yogas) == 0 {
		return "No yogas detected"
	}
	return formatYogas(v.chart.Yogas)
}

// YogasMatching keeps yogas whose type equals one of the terms or whose name
// or description mentions one of them.
func (v chartView) YogasMatching(terms ...string) string {
	if len(v.chart.Yogas) == 0 {
		return "No yogas detected"
	}
	matched := make([]domain.Yoga, 0)
	for _, yoga := range v.chart.Yogas {
		name := strings.ToLower(yoga.Name)
		description := strings.ToLower(yoga.Description)
		for _, term := range terms {
			term = strings.ToLower(term)
			if yoga.Type == term || strings.Contains(name, term) || strings.Contains(description, term) {
				matched = append(matched, yoga)
				break
			}
		}
	}
	if len(matched) == 0 {
		return "No specific yogas of this kind detected (see full yoga list)"
	}
	return formatYogas(matched)
}

func (v chartView) Ashtakavarga() string {
	if len(v.chart.Ashtakavarga) == 0 {
		return "Ashtakavarga data not available"
	}
	names := make([]string, 0, len(v.chart.Ashtakavarga))
	for name := range v.chart.Ashtakavarga {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		bindus := v.chart.Ashtakavarga[name]
		parts := make([]string, len(bindus))
		total := 0
		for i, bindu := range bindus {
			parts[i] = strconv.Itoa(bindu)
			total += bindu
		}
		lines = append(lines, fmt.Sprintf("- **%s**: [%s] (Aries→Pisces) Total: %d", name, strings.Join(parts, ", "), total))
	}
	return strings.Join(lines, "\n")
}

// SignBindus lists one planet's ashtakavarga bindus per sign with a
// strength note, as used by the transit reports.
func (v chartView) SignBindus(planet string) string {
	bindus := v.chart.Ashtakavarga[planet]
	lines := make([]string, 0, len(zodiac))
	for i, sign := range zodiac {
		if i >= len(bindus) {
			lines = append(lines, fmt.Sprintf("  - %s: ? bindus", sign))
			continue
		}
		note := ""
		switch {
		case bindus[i] >= 5:
			note = " (STRONG — favorable transit)"
		case bindus[i] <= 2:
			note = " (WEAK — difficult transit)"
		}
		lines = append(lines, fmt.Sprintf("  - %s: %d bindus%s", sign, bindus[i], note))
	}
	return strings.Join(lines, "\n")
}

func (v chartView) HasNumerology() bool {
	return v.chart.Numerology != nil
}

type numberView struct {
	Value  string
	Planet string
}

func (v chartView) BirthNumber() numberView {
	if v.chart.Numerology == nil {
		return numberOf(nil)
	}
	return numberOf(v.chart.Numerology.BirthNumber)
}

func (v chartView) DestinyNumber() numberView {
	if v.chart.Numerology == nil {
		return numberOf(nil)
	}
	return numberOf(v.chart.Numerology.DestinyNumber)
}

func (v chartView) NameNumber() numberView {
	if v.chart.Numerology == nil {
		return numberOf(nil)
	}
	return numberOf(v.chart.Numerology.NameNumber)
}

var numberRulers = map[int]string{
	1: "Sun (Surya)",
	2: "Moon (Chandra)",
	3: "Jupiter (Guru/Brihaspati)",
	4: "Rahu (North Node)",
	5: "Mercury (Budha)",
	6: "Venus (Shukra)",
	7: "Ketu (South Node)",
	8: "Saturn (Shani)",
	9: "Mars (Mangal)",
}

func numberOf(value *int) numberView {
	if value == nil {
		return numberView{Value: "Not calculated", Planet: "Unknown"}
	}
	ruler, ok := numberRulers[*value]
	if !ok {
		ruler = "Unknown"
	}
	return numberView{Value: strconv.Itoa(*value), Planet: ruler}
}

func formatYogas(yogas []domain.Yoga) string {
	lines := make([]string, 0, len(yogas))
	for _, yoga := range yogas {
		planets := "?"
		if len(yoga.Planets) > 0 {
			planets = strings.Join(yoga.Planets, ", ")
		}
		lines = append(lines, fmt.Sprintf("- **%s** [%s/%s]: %s | Planets: %s | Effect: %s",
			firstNonEmpty(yoga.Name, "Unknown"),
			orQuestion(yoga.Type),
			orQuestion(yoga.Strength),
			firstNonEmpty(yoga.Description, "N/A"),
			planets,
			firstNonEmpty(yoga.Effect, "N/A"),
		))
	}
	return strings.Join(lines, "\n")
}

func orderedPlanets(planets map[string]domain.PlanetInfo) []string {
	names := make([]string, 0, len(planets))
	seen := make(map[string]bool, len(planets))
	for _, name := range planetOrder {
		if _, ok := planets[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	extra := make([]string, 0)
	for name := range planets {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func degrees(value *float64, fallback string) string {
	if value == nil {
		return fallback
	}
	return strconv.FormatFloat(*value, 'f', 2, 64)
}

func orQuestion(value string) string {
	return firstNonEmpty(value, "?")
}

func orUnknown(value string) string {
	return firstNonEmpty(value, "Unknown")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
