package planner

import (
	"strings"

	"econd/internal/domain"
)

// heuristicDecision is the degraded-mode planner: keyword overlap against
// the catalog, with negation detection so "no gasté 200 pesos" never books
// an expense. Used when the model is unreachable or returns garbage.
func heuristicDecision(text string, tools []domain.ToolDescriptor) domain.Decision {
	tokens := tokenize(text)

	if containsNegation(tokens) {
		return domain.Decision{Action: domain.ActionNoMatch, Confidence: 0.9}
	}

	best, score := bestMatch(tokens, tools)
	if score >= 2 {
		return domain.Decision{
			Action:     domain.ActionToolCall,
			Tool:       best.Qualified,
			Arguments:  map[string]any{},
			Confidence: 0.65,
		}
	}
	return domain.Decision{Action: domain.ActionNoMatch, Confidence: 0.4}
}

var negationTokens = map[string]struct{}{
	"no":      {},
	"nunca":   {},
	"tampoco": {},
	"jamas":   {},
}

func containsNegation(tokens []string) bool {
	for _, token := range tokens {
		if _, ok := negationTokens[token]; ok {
			return true
		}
	}
	return false
}

func bestMatch(tokens []string, tools []domain.ToolDescriptor) (domain.ToolDescriptor, int) {
	var best domain.ToolDescriptor
	bestScore := 0
	for _, tool := range tools {
		score := matchScore(tokens, tool)
		if score > bestScore {
			best = tool
			bestScore = score
		}
	}
	return best, bestScore
}

// matchScore counts user tokens present in the tool's name or description.
// Name hits weigh double: "gasto" in registrar_gasto beats "gasto" buried
// in another tool's description.
func matchScore(tokens []string, tool domain.ToolDescriptor) int {
	nameTokens := make(map[string]struct{})
	for _, part := range tokenize(strings.ReplaceAll(tool.Name, "_", " ")) {
		nameTokens[part] = struct{}{}
	}
	descTokens := make(map[string]struct{})
	for _, part := range tokenize(tool.Description) {
		descTokens[part] = struct{}{}
	}

	score := 0
	for _, token := range tokens {
		if len(token) < 4 {
			continue
		}
		candidates := []string{token, stem(token)}
		hit := 0
		for _, candidate := range candidates {
			if _, ok := nameTokens[candidate]; ok {
				hit = 2
				break
			}
			if _, ok := descTokens[candidate]; ok {
				hit = 1
			}
		}
		score += hit
	}
	return score
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

func tokenize(text string) []string {
	normalized := accentReplacer.Replace(strings.ToLower(text))
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// stem folds the most common Spanish inflections onto the catalog's
// infinitive naming: registra, registro and registrar all hit registrar.
func stem(token string) string {
	for _, suffix := range []string{"ame", "ar", "a", "o", "e", "os", "as", "es"} {
		if trimmed := strings.TrimSuffix(token, suffix); trimmed != token && len(trimmed) >= 4 {
			return trimmed + "ar"
		}
	}
	return token
}
