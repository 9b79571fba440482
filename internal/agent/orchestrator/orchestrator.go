package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"econd/internal/domain"
	"econd/internal/infra/telemetry"
)

// Spanish user-facing fallbacks. Every failure mode resolves to a reply;
// the engine never surfaces raw errors to the conversation.
const (
	replyUnavailable = "Lo siento, ahora mismo no puedo hacer eso porque el servicio necesario no está disponible. Intentalo de nuevo en unos minutos."
	replyNoInfo      = "Lo siento, no tengo información para responder eso en este momento."
	replyNeedDetails = "Necesito algunos datos más para poder hacer eso. ¿Podés darme más detalles?"
	replyToolFailed  = "Lo siento, no pude completar la operación. Probá de nuevo más tarde."
	replyBudget      = "Perdón, esta consulta me está tomando demasiado tiempo. ¿Podés intentarlo de nuevo?"
)

const retrievalPassageLimit = 3

// Persister receives finished turns for background persistence.
type Persister interface {
	Enqueue(sessionID string, turn domain.Turn)
}

// Orchestrator runs the turn loop: decide, validate, dispatch, compose.
// One turn at a time per user; the whole turn runs under the turn budget.
type Orchestrator struct {
	catalog    domain.CatalogReader
	dispatcher domain.Dispatcher
	planner    domain.Planner
	retriever  domain.Retriever
	persister  Persister
	metrics    domain.Metrics
	logger     *zap.Logger
	runtime    domain.RuntimeConfig

	sessions *sessionRegistry
}

type Options struct {
	Catalog    domain.CatalogReader
	Dispatcher domain.Dispatcher
	Planner    domain.Planner
	Retriever  domain.Retriever
	Persister  Persister
	Metrics    domain.Metrics
	Logger     *zap.Logger
	Runtime    domain.RuntimeConfig
}

func New(opts Options) *Orchestrator {
	if opts.Catalog == nil {
		panic("orchestrator requires a catalog")
	}
	if opts.Dispatcher == nil {
		panic("orchestrator requires a dispatcher")
	}
	if opts.Planner == nil {
		panic("orchestrator requires a planner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Orchestrator{
		catalog:    opts.Catalog,
		dispatcher: opts.Dispatcher,
		planner:    opts.Planner,
		retriever:  opts.Retriever,
		persister:  opts.Persister,
		metrics:    metrics,
		logger:     logger.Named("orchestrator"),
		runtime:    opts.Runtime,
		sessions:   newSessionRegistry(opts.Runtime.HistoryLimit, opts.Runtime.SummaryAfterTurns),
	}
}

// HandleMessage resolves one user turn and returns the reply. Concurrent
// messages from the same user are serialized in arrival order.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, text string, at time.Time) string {
	entry := o.sessions.get(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	started := time.Now()
	o.logger.Info("turn start",
		telemetry.EventField(telemetry.EventTurnStart),
		telemetry.UserField(userID),
	)

	budget := o.runtime.TurnBudget()
	if budget <= 0 {
		budget = time.Duration(domain.DefaultTurnBudgetSeconds) * time.Second
	}
	turnCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	turn := o.resolveTurn(turnCtx, entry.session, text, at)

	entry.session.Append(turn)
	if o.persister != nil {
		o.persister.Enqueue(userID, turn)
	}

	elapsed := time.Since(started)
	o.metrics.ObserveTurn(string(turn.Outcome), elapsed)
	o.logger.Info("turn done",
		telemetry.EventField(telemetry.EventTurnDone),
		telemetry.UserField(userID),
		telemetry.ToolField(turn.Tool),
		telemetry.StateField(string(turn.Outcome)),
		telemetry.DurationField(elapsed),
	)
	return turn.Reply
}

func (o *Orchestrator) resolveTurn(ctx context.Context, session *domain.Session, text string, at time.Time) domain.Turn {
	turn := domain.Turn{
		ID:    uuid.NewString(),
		At:    at,
		Input: text,
	}

	tools := o.catalog.Snapshot()
	decision, err := o.planner.Decide(ctx, domain.PlanInput{
		Text:    text,
		History: session.Recent(o.runtime.HistoryLimit),
		Summary: session.Summary,
		Tools:   tools,
	})
	if err != nil {
		if budgetExceeded(ctx, err) {
			return o.budgetTurn(turn)
		}
		turn.Action = domain.ActionNoMatch
		turn.Outcome = domain.OutcomeUnavailable
		turn.Reply = replyNoInfo
		return turn
	}
	turn.Action = decision.Action

	switch decision.Action {
	case domain.ActionDirectAnswer:
		turn.Outcome = domain.OutcomeDirect
		turn.Reply = decision.Reply
		return turn

	case domain.ActionToolCall:
		if decision.Confidence < o.runtime.ConfidenceThreshold {
			// Not confident enough to act; treat like an open question.
			return o.retrievalTurn(ctx, turn, text)
		}
		return o.toolTurn(ctx, turn, text, decision)

	default:
		return o.retrievalTurn(ctx, turn, text)
	}
}

func (o *Orchestrator) toolTurn(ctx context.Context, turn domain.Turn, text string, decision domain.Decision) domain.Turn {
	reply, outcome := o.invokeAndCompose(ctx, text, domain.ToolCall{
		Tool:      decision.Tool,
		Arguments: decision.Arguments,
	})
	turn.Tool = decision.Tool

	if outcome == domain.OutcomeToolFailure && decision.Alternate != nil {
		if budgetExceeded(ctx, nil) {
			return o.budgetTurn(turn)
		}
		altReply, altOutcome := o.invokeAndCompose(ctx, text, *decision.Alternate)
		if altOutcome == domain.OutcomeToolSuccess {
			turn.Tool = decision.Alternate.Tool
			turn.Outcome = altOutcome
			turn.Reply = altReply
			return turn
		}
	}

	if outcome == domain.OutcomeToolFailure && reply == replyToolFailed {
		// Tool path dead; the knowledge base may still answer the question.
		if budgetExceeded(ctx, nil) {
			return o.budgetTurn(turn)
		}
		fallback := o.retrievalTurn(ctx, turn, text)
		if fallback.Outcome == domain.OutcomeRetrieval {
			return fallback
		}
	}

	turn.Outcome = outcome
	turn.Reply = reply
	return turn
}

// invokeAndCompose runs one tool call end to end: argument validation,
// dispatch, reply composition.
func (o *Orchestrator) invokeAndCompose(ctx context.Context, text string, call domain.ToolCall) (string, domain.TurnOutcome) {
	route, err := o.catalog.Lookup(call.Tool)
	if err != nil {
		// Capability not present: resolved without provider I/O.
		return replyUnavailable, domain.OutcomeUnavailable
	}

	if err := domain.ValidateArguments(route.Descriptor.InputSchema, call.Arguments); err != nil {
		return replyNeedDetails, domain.OutcomeToolFailure
	}

	inv, err := o.dispatcher.Invoke(ctx, call.Tool, call.Arguments, o.runtime.DispatchTimeout())
	if err != nil {
		if budgetExceeded(ctx, err) {
			return replyBudget, domain.OutcomeBudget
		}
		switch {
		case errors.Is(err, domain.ErrToolNotFound), errors.Is(err, domain.ErrUnavailable),
			errors.Is(err, domain.ErrNoReadyConnection):
			return replyUnavailable, domain.OutcomeUnavailable
		default:
			return replyToolFailed, domain.OutcomeToolFailure
		}
	}

	reply, err := o.planner.Compose(ctx, domain.ComposeInput{
		Text:   text,
		Tool:   call.Tool,
		Result: string(inv.Result),
	})
	if err != nil {
		if budgetExceeded(ctx, err) {
			return replyBudget, domain.OutcomeBudget
		}
		// The operation succeeded; confirm it even without a composed reply.
		o.logger.Warn("compose failed after successful invocation", zap.Error(err))
		return "Listo, la operación se realizó correctamente.", domain.OutcomeToolSuccess
	}
	return reply, domain.OutcomeToolSuccess
}

// retrievalTurn answers from the knowledge base. Best effort: failure turns
// into an apology, never an error.
func (o *Orchestrator) retrievalTurn(ctx context.Context, turn domain.Turn, text string) domain.Turn {
	if o.retriever == nil {
		turn.Outcome = domain.OutcomeUnavailable
		turn.Reply = replyNoInfo
		return turn
	}

	passages, err := o.retriever.Retrieve(ctx, text, retrievalPassageLimit)
	if err != nil || len(passages) == 0 {
		if budgetExceeded(ctx, err) {
			return o.budgetTurn(turn)
		}
		turn.Outcome = domain.OutcomeUnavailable
		turn.Reply = replyNoInfo
		return turn
	}

	reply, err := o.planner.Compose(ctx, domain.ComposeInput{
		Text:     text,
		Passages: passages,
	})
	if err != nil {
		if budgetExceeded(ctx, err) {
			return o.budgetTurn(turn)
		}
		// Degrade to the best passage rather than apologizing.
		reply = passages[0].Text
	}

	turn.Outcome = domain.OutcomeRetrieval
	turn.Reply = reply
	return turn
}

func (o *Orchestrator) budgetTurn(turn domain.Turn) domain.Turn {
	turn.Outcome = domain.OutcomeBudget
	turn.Reply = replyBudget
	return turn
}

func budgetExceeded(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
