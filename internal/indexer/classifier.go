package indexer

import (
	"context"
	"regexp"
	"strings"
)

const CommitTypeOther = "other"

type Classification struct {
	Type       string
	Confidence float64
}

// Classifier labels a commit from its message. The commit list endpoint
// carries no file names, so the message is all there is. Errors make the
// commit fall back to "other".
type Classifier interface {
	Classify(ctx context.Context, message string) (Classification, error)
}

type rule struct {
	kind    string
	prefix  *regexp.Regexp
	keyword []string
}

// rules are checked in order; the first matching prefix wins.
var rules = []rule{
	{"fix", regexp.MustCompile(`^(fix|bug|hotfix|patch|resolve|correct)`), []string{"fix", "bug", "hotfix", "patch", "resolve", "correct", "repair"}},
	{"feature", regexp.MustCompile(`^(feat|add|implement|new|enhance|improve)`), []string{"feat", "add", "implement", "new", "enhance", "improve", "create"}},
	{"docs", regexp.MustCompile(`^(docs|readme|documentation|comment)`), []string{"docs", "readme", "documentation", "comment", "doc"}},
	{"refactor", regexp.MustCompile(`^(refactor|cleanup|restructure|optimize|reorganize)`), []string{"refactor", "cleanup", "restructure", "optimize", "reorganize", "simplify"}},
	{"test", regexp.MustCompile(`^(test|spec|specs|testing|coverage)`), []string{"test", "spec", "specs", "testing", "coverage", "unit"}},
	{"style", regexp.MustCompile(`^(style|format|lint|prettier|indent)`), []string{"style", "format", "lint", "prettier", "indent", "whitespace"}},
	{"chore", regexp.MustCompile(`^(chore|ci|build|deploy|maintenance|deps)`), []string{"chore", "ci", "build", "deploy", "maintenance", "deps", "update"}},
}

var conventional = regexp.MustCompile(`^(feat|fix|docs|refactor|test|style|chore)(\([^)]*\))?!?:`)

// HeuristicClassifier labels commits from their message prefix and keywords.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(ctx context.Context, message string) (Classification, error) {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return Classification{Type: CommitTypeOther}, nil
	}

	kind := prefixType(msg)
	if kind == CommitTypeOther && len(msg) < 15 {
		kind = "chore"
	}

	scores := make(map[string]int, len(rules))
	total := 0
	for _, r := range rules {
		for _, k := range r.keyword {
			if strings.Contains(msg, k) {
				scores[r.kind]++
				total++
			}
		}
	}

	switch {
	case kind == CommitTypeOther && total == 0:
		return Classification{Type: CommitTypeOther}, nil
	case kind == CommitTypeOther:
		best := ""
		for _, r := range rules {
			if best == "" || scores[r.kind] > scores[best] {
				best = r.kind
			}
		}
		return Classification{Type: best, Confidence: float64(scores[best]) / float64(total)}, nil
	case total == 0 || scores[kind] == 0:
		return Classification{Type: kind, Confidence: 0.5}, nil
	default:
		return Classification{Type: kind, Confidence: float64(scores[kind]) / float64(total)}, nil
	}
}

func prefixType(msg string) string {
	if m := conventional.FindStringSubmatch(msg); m != nil {
		if m[1] == "feat" {
			return "feature"
		}
		return m[1]
	}
	for _, r := range rules {
		if r.prefix.MatchString(msg) {
			return r.kind
		}
	}
	return CommitTypeOther
}
