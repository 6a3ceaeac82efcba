// Package quality inspects generated text after the fact. Findings are
// advisory: they are logged and counted, never used to change a report's
// status.
package quality

import (
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/iago/jyotish-reports/internal/domain"
)

var ErrQualityRejected = errors.New("output failed quality checks")

const (
	FindingEmpty            = "empty"
	FindingShort            = "short"
	FindingFewChapters      = "few_chapters"
	FindingLanguageMismatch = "language_mismatch"
	FindingUnterminated     = "unterminated"
	FindingPromptEcho       = "prompt_echo"

	minReportWords    = 150
	minReportChapters = 2
	maxAlertLength    = 4000
)

// Assessment scores one finished report between 0 and 1.
type Assessment struct {
	Score    float64
	Words    int
	Chapters int
	Findings []string
}

func (a Assessment) Passed() bool {
	return len(a.Findings) == 0
}

// ReviewReport checks a completed report for the usual ways a model answer
// goes wrong: cut short, wrong script, missing the chapter structure the
// prompt asked for, or repeating the prompt back.
func ReviewReport(content string, language domain.Language) Assessment {
	text := strings.TrimSpace(content)
	if text == "" {
		return Assessment{Findings: []string{FindingEmpty}}
	}

	assessment := Assessment{
		Words:    len(strings.Fields(text)),
		Chapters: countHeadings(text),
	}
	penalty := 0.0

	if assessment.Words < minReportWords {
		assessment.Findings = append(assessment.Findings, FindingShort)
		penalty += 0.25
	}
	if assessment.Chapters < minReportChapters {
		assessment.Findings = append(assessment.Findings, FindingFewChapters)
		penalty += 0.15
	}
	if languageMismatch(text, language) {
		assessment.Findings = append(assessment.Findings, FindingLanguageMismatch)
		penalty += 0.30
	}
	if !hasTerminalPunctuation(text) {
		assessment.Findings = append(assessment.Findings, FindingUnterminated)
		penalty += 0.10
	}
	if strings.Contains(text, "STRICT RULES") || strings.Contains(text, "BIRTH CHART DATA") {
		assessment.Findings = append(assessment.Findings, FindingPromptEcho)
		penalty += 0.20
	}

	assessment.Score = round2(clamp01(1.0 - penalty))
	return assessment
}

// NormalizeAlert tidies a non-streamed alert answer: trailing spaces and
// runs of blank lines are removed and overlong answers are cut at a word
// boundary. An answer with no text is rejected.
func NormalizeAlert(content string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			blank++
			if blank > 1 || len(kept) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		kept = append(kept, line)
	}
	normalized := strings.TrimSpace(strings.Join(kept, "\n"))
	if normalized == "" {
		return "", ErrQualityRejected
	}
	return truncateAtWord(normalized, maxAlertLength), nil
}

func countHeadings(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") || strings.HasPrefix(trimmed, "### ") {
			count++
		}
	}
	return count
}

// languageMismatch compares the share of Devanagari letters with what the
// requested language implies. Sanskrit terms in an English report stay well
// under the threshold.
func languageMismatch(text string, language domain.Language) bool {
	letters, devanagari := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Devanagari, r) {
			devanagari++
		}
	}
	if letters == 0 {
		return false
	}
	share := float64(devanagari) / float64(letters)
	if language == domain.LanguageHindi {
		return share < 0.30
	}
	return share > 0.30
}

func hasTerminalPunctuation(text string) bool {
	last := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == '*' || r == '_' || r == ')' || r == '"'
	})
	if last == "" {
		return false
	}
	switch []rune(last)[len([]rune(last))-1] {
	case '.', '!', '?', '।', '॥':
		return true
	}
	return false
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	if lastSpace := strings.LastIndexAny(cut, " \n"); lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
