package retrieval

import (
	"regexp"
	"strconv"
	"strings"
)

// Query types recorded in search telemetry.
const (
	QueryTypeRecent   = "recent"
	QueryTypeSession  = "session_id"
	QueryTypeLearning = "learning_id"
	QueryTypeHybrid   = "hybrid"
)

var (
	sessionIDPattern  = regexp.MustCompile(`^session_\d+$`)
	learningIDPattern = regexp.MustCompile(`^(?:#|learning_)?(\d+)$`)
)

// Classification is the interpreted form of a raw recall query.
type Classification struct {
	Type       string
	SessionID  string
	LearningID int64
}

// Classify interprets a raw query string. An empty query asks for the most
// recent session, exact id forms fetch one entity, everything else runs a
// hybrid search.
func Classify(query string) Classification {
	q := strings.TrimSpace(query)
	if q == "" {
		return Classification{Type: QueryTypeRecent}
	}
	if sessionIDPattern.MatchString(q) {
		return Classification{Type: QueryTypeSession, SessionID: q}
	}
	if m := learningIDPattern.FindStringSubmatch(q); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return Classification{Type: QueryTypeLearning, LearningID: id}
		}
	}
	return Classification{Type: QueryTypeHybrid}
}

// Task types a query can be doing. The type selects a category boost table
// applied after hybrid ranking.
const (
	TaskDebug     = "debug"
	TaskImplement = "implement"
	TaskRefactor  = "refactor"
	TaskDesign    = "design"
	TaskExplain   = "explain"
	TaskGeneral   = "general"
)

// taskKeywords maps verbs and markers to task types. Detection scans in
// declaration order and the first hit wins, so the more specific debugging
// vocabulary is listed before the broad implementation verbs.
var taskKeywords = []struct {
	taskType string
	words    []string
}{
	{TaskDebug, []string{"debug", "fix", "error", "crash", "broken", "fails", "failing", "exception", "panic", "traceback", "regression"}},
	{TaskRefactor, []string{"refactor", "restructure", "cleanup", "clean up", "simplify", "extract", "rename", "dedupe"}},
	{TaskDesign, []string{"design", "architect", "architecture", "plan", "structure", "schema", "model", "approach"}},
	{TaskExplain, []string{"explain", "what is", "what does", "how does", "why does", "understand", "describe"}},
	{TaskImplement, []string{"implement", "add", "build", "create", "write", "support", "feature", "integrate"}},
}

// DetectTaskType classifies a query by its verbs and keywords.
func DetectTaskType(query string) string {
	q := strings.ToLower(query)
	for _, entry := range taskKeywords {
		for _, w := range entry.words {
			if strings.Contains(q, w) {
				return entry.taskType
			}
		}
	}
	return TaskGeneral
}

// categoryBoosts maps a task type to its learning-category multipliers.
// Values stay within [1.0, 2.0]; unlisted categories get 1.0.
var categoryBoosts = map[string]map[string]float64{
	TaskDebug: {
		"debugging":   1.8,
		"errors":      1.6,
		"testing":     1.4,
		"performance": 1.2,
	},
	TaskImplement: {
		"patterns":     1.5,
		"architecture": 1.3,
		"tooling":      1.2,
		"testing":      1.2,
	},
	TaskRefactor: {
		"architecture": 1.6,
		"patterns":     1.5,
		"process":      1.2,
	},
	TaskDesign: {
		"architecture": 1.8,
		"patterns":     1.4,
		"process":      1.2,
	},
	TaskExplain: {
		"documentation": 1.5,
		"architecture":  1.3,
		"process":       1.2,
	},
}

// CategoryBoost returns the score multiplier for a learning category under
// the given task type.
func CategoryBoost(taskType, category string) float64 {
	if boosts, ok := categoryBoosts[taskType]; ok {
		if b, ok := boosts[strings.ToLower(category)]; ok {
			return b
		}
	}
	return 1.0
}
