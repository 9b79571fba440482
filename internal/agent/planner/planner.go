package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"econd/internal/domain"
)

// EinoPlanner makes the per-turn decision with one LLM call and grounds the
// final reply with a second. A malformed decision falls back to keyword
// heuristics instead of failing the turn.
type EinoPlanner struct {
	config  domain.PlannerConfig
	model   model.ToolCallingChatModel
	metrics domain.Metrics
	logger  *zap.Logger
}

func NewEinoPlanner(ctx context.Context, config domain.PlannerConfig, metrics domain.Metrics, logger *zap.Logger) (*EinoPlanner, error) {
	chatModel, err := initializeModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("initialize model: %w", err)
	}
	return newWithModel(config, chatModel, metrics, logger), nil
}

func newWithModel(config domain.PlannerConfig, chatModel model.ToolCallingChatModel, metrics domain.Metrics, logger *zap.Logger) *EinoPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &EinoPlanner{
		config:  config,
		model:   chatModel,
		metrics: metrics,
		logger:  logger.Named("planner"),
	}
}

func (p *EinoPlanner) Decide(ctx context.Context, input domain.PlanInput) (domain.Decision, error) {
	messages := []*schema.Message{
		schema.SystemMessage(decideSystemPrompt),
		schema.UserMessage(buildDecidePrompt(input)),
	}

	started := time.Now()
	response, err := p.model.Generate(ctx, messages)
	p.metrics.ObservePlanner("decide", time.Since(started), err)
	if err != nil {
		p.logger.Warn("decision call failed, using heuristics", zap.Error(err))
		return heuristicDecision(input.Text, input.Tools), nil
	}

	decision, err := parseDecision(response.Content, input.Tools)
	if err != nil {
		p.logger.Warn("decision unparseable, using heuristics",
			zap.String("raw", clip(response.Content, 200)), zap.Error(err))
		return heuristicDecision(input.Text, input.Tools), nil
	}
	return decision, nil
}

func (p *EinoPlanner) Compose(ctx context.Context, input domain.ComposeInput) (string, error) {
	messages := []*schema.Message{
		schema.SystemMessage(composeSystemPrompt),
		schema.UserMessage(buildComposePrompt(input)),
	}

	started := time.Now()
	response, err := p.model.Generate(ctx, messages)
	p.metrics.ObservePlanner("compose", time.Since(started), err)
	if err != nil {
		return "", fmt.Errorf("compose reply: %w", err)
	}

	reply := strings.TrimSpace(response.Content)
	if reply == "" {
		return "", fmt.Errorf("compose reply: empty response")
	}
	return reply, nil
}

func buildDecidePrompt(input domain.PlanInput) string {
	var sb strings.Builder
	if input.Summary != "" {
		sb.WriteString("Resumen de la conversación previa:\n")
		sb.WriteString(input.Summary)
		sb.WriteString("\n\n")
	}
	if len(input.History) > 0 {
		sb.WriteString("Últimos intercambios:\n")
		for _, turn := range input.History {
			sb.WriteString(fmt.Sprintf("Usuario: %s\nAsistente: %s\n", clip(turn.Input, 120), clip(turn.Reply, 120)))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Herramientas disponibles:\n")
	for _, tool := range input.Tools {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Qualified, tool.Description))
		if len(tool.InputSchema) > 0 {
			sb.WriteString(fmt.Sprintf("  esquema: %s\n", clip(string(tool.InputSchema), 400)))
		}
	}
	sb.WriteString("\nMensaje del usuario: ")
	sb.WriteString(input.Text)
	return sb.String()
}

func buildComposePrompt(input domain.ComposeInput) string {
	var sb strings.Builder
	sb.WriteString("Mensaje del usuario: ")
	sb.WriteString(input.Text)
	sb.WriteString("\n\n")
	if input.Tool != "" {
		sb.WriteString(fmt.Sprintf("Resultado de la herramienta %s:\n%s\n", input.Tool, input.Result))
	}
	if len(input.Passages) > 0 {
		sb.WriteString("Información recuperada de la base de conocimiento:\n")
		for _, passage := range input.Passages {
			sb.WriteString("- ")
			sb.WriteString(passage.Text)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nRedacta la respuesta final para el usuario usando solo esta información.")
	return sb.String()
}

// parseDecision validates the model output against the contract: known
// action, and for tool calls a tool that exists in the offered catalog.
func parseDecision(raw string, tools []domain.ToolDescriptor) (domain.Decision, error) {
	raw = stripFences(raw)

	var decision domain.Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return domain.Decision{}, fmt.Errorf("decode decision: %w", err)
	}

	switch decision.Action {
	case domain.ActionDirectAnswer:
		if strings.TrimSpace(decision.Reply) == "" {
			return domain.Decision{}, fmt.Errorf("direct_answer without reply")
		}
	case domain.ActionToolCall:
		if !knownTool(decision.Tool, tools) {
			return domain.Decision{}, fmt.Errorf("unknown tool %q", decision.Tool)
		}
		if decision.Alternate != nil && !knownTool(decision.Alternate.Tool, tools) {
			decision.Alternate = nil
		}
	case domain.ActionNoMatch:
	default:
		return domain.Decision{}, fmt.Errorf("unknown action %q", decision.Action)
	}

	if decision.Confidence < 0 || decision.Confidence > 1 {
		return domain.Decision{}, fmt.Errorf("confidence %v out of range", decision.Confidence)
	}
	return decision, nil
}

func knownTool(qualified string, tools []domain.ToolDescriptor) bool {
	for _, tool := range tools {
		if tool.Qualified == qualified {
			return true
		}
	}
	return false
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	return strings.TrimSpace(raw)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

const decideSystemPrompt = `Eres el componente de decisión de un asistente financiero conversacional en español.

Analiza el mensaje del usuario y responde EXCLUSIVAMENTE con un objeto JSON, sin texto adicional:
{"action": "direct_answer" | "tool_call" | "no_match", "reply": "...", "tool": "servidor.herramienta", "arguments": {...}, "confidence": 0.0-1.0, "alternate": {"tool": "...", "arguments": {...}}}

Reglas:
- "tool_call": el usuario pide una acción que una herramienta disponible puede ejecutar. Incluye "tool" con el nombre calificado exacto y "arguments" según el esquema de la herramienta.
- "direct_answer": puedes responder con conocimiento general sin ejecutar nada. Incluye "reply".
- "no_match": el usuario pide información que requiere datos actuales o de la base de conocimiento y ninguna herramienta aplica.
- Si el usuario NIEGA o rechaza una acción ("no quiero", "no registres", "mejor no"), nunca elijas tool_call para esa acción.
- "alternate" es opcional: una segunda herramienta razonable si la primera falla.
- "confidence" refleja cuán seguro estás de la decisión.
- Los montos en pesos argentinos usan la moneda "ARS".`

const composeSystemPrompt = `Eres un asistente financiero conversacional en español. Recibes el mensaje del usuario junto con datos factuales (resultado de una herramienta o pasajes recuperados). Redacta una respuesta breve, amable y en español, fundada únicamente en esos datos. No inventes cifras ni resultados.`
