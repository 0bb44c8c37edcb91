package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/quizforge/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.tmpl
var Templates embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant selects the tone of the performance report.
type PromptVariant string

const (
	// PromptStrict grades short answers harshly.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default report variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient credits partially correct short answers.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

const maxAnswerRunes = 10000

var difficultyGuidance = map[model.Difficulty]string{
	model.DifficultyLow:    "Focus on basic recall, definitions, and explicit facts found in the text.",
	model.DifficultyMedium: "Focus on application of concepts, comparisons, and identifying relationships.",
	model.DifficultyHigh:   "Focus on critical analysis, synthesis of multiple sections, and complex problem-solving.",
}

var (
	loadOnce         sync.Once
	loadErr          error
	generateTemplate *template.Template
	analyzeTemplates map[PromptVariant]*template.Template
)

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// DifficultyLine pairs a difficulty with its guidance text.
type DifficultyLine struct {
	Level    model.Difficulty
	Guidance string
}

// GenerateData holds template data for question generation prompts.
type GenerateData struct {
	Count        int
	Difficulties []DifficultyLine
	Kinds        string
	Avoid        []string
}

// AnalyzeItem is one answered question as shown to the report writer.
type AnalyzeItem struct {
	Prompt     string
	Difficulty model.Difficulty
	Options    []string
	Reference  string
	Answer     string
	Verdict    string
}

// AnalyzeData holds template data for report prompts.
type AnalyzeData struct {
	Items []AnalyzeItem
}

// Load parses the prompt templates from fsys. Only the first call has any
// effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		content, err := fs.ReadFile(fsys, "templates/generate.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("read prompt file templates/generate.tmpl: %w", err)
			return
		}
		generateTemplate, err = template.New("generate").Funcs(funcs).Parse(string(content))
		if err != nil {
			loadErr = fmt.Errorf("parse prompt template templates/generate.tmpl: %w", err)
			return
		}

		analyzeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			file := "templates/analyze_" + string(v) + ".tmpl"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New("analyze").Funcs(funcs).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			analyzeTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildGeneratePrompt builds the system prompt for a question batch.
func BuildGeneratePrompt(req model.GenerateRequest) (string, error) {
	if generateTemplate == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}

	data := GenerateData{
		Count: req.Count,
		Kinds: describeKinds(req.Type),
	}
	for _, d := range req.Difficulties {
		data.Difficulties = append(data.Difficulties, DifficultyLine{Level: d, Guidance: difficultyGuidance[d]})
	}
	for _, p := range req.Avoid {
		if p = oneLine(p); p != "" {
			data.Avoid = append(data.Avoid, p)
		}
	}

	var buf bytes.Buffer
	if err := generateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildAnalyzePrompt builds a report prompt over answered questions using the
// specified variant.
func BuildAnalyzePrompt(variant PromptVariant, history []model.Question) (string, error) {
	if analyzeTemplates == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := analyzeTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := AnalyzeData{Items: make([]AnalyzeItem, 0, len(history))}
	for _, q := range history {
		data.Items = append(data.Items, analyzeItem(q))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func analyzeItem(q model.Question) AnalyzeItem {
	item := AnalyzeItem{
		Prompt:     oneLine(q.Prompt),
		Difficulty: q.Difficulty,
		Verdict:    "not answered",
	}
	if q.Correct != nil {
		item.Verdict = "incorrect"
		if *q.Correct {
			item.Verdict = "correct"
		}
	}

	switch b := q.Body.(type) {
	case model.MultipleChoice:
		item.Options = b.Options[:]
		item.Reference = formatIndices(b.CorrectIndices)
		if sel, ok := q.Answer.(model.Selection); ok {
			item.Answer = formatIndices(sel)
		}
	case model.ShortAnswer:
		item.Reference = oneLine(b.SampleAnswer)
		if resp, ok := q.Answer.(model.TextResponse); ok {
			item.Answer = string(resp)
		}
		if item.Verdict == "correct" {
			item.Verdict = "provisionally correct"
		}
	}
	item.Answer = sanitizeAnswer(item.Answer)
	return item
}

func describeKinds(t model.QuestionType) string {
	switch t {
	case model.TypeText:
		return "short-answer only (kind \"text\")"
	case model.TypeBoth:
		return "a mix of multiple-choice (kind \"mcq\") and short-answer (kind \"text\")"
	default:
		return "multiple-choice only (kind \"mcq\")"
	}
}

func formatIndices(idx []int) string {
	if len(idx) == 0 {
		return ""
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
