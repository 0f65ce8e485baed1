package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow/expression"
)

// RunStore persists run lifecycle state. Implementations back onto the
// workflow_run_states table.
type RunStore interface {
	// CreateRun opens a new run for the workflow and persists an empty
	// state row, returning the new run id.
	CreateRun(ctx context.Context, workflowID uuid.UUID) (uuid.UUID, error)

	// SaveRunState overwrites the run's state row with the full
	// handle-to-output map. Saving a run that has no row is a
	// StateError.
	SaveRunState(ctx context.Context, runID, workflowID uuid.UUID, state map[string]interface{}) error

	// CompleteRun writes the run's completion timestamp. Completing a
	// run that has no row is a StateError.
	CompleteRun(ctx context.Context, runID uuid.UUID) error
}

// HTTPRequester issues the outbound call for an http_request action and
// returns the decoded JSON response body.
type HTTPRequester interface {
	RequestJSON(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (interface{}, error)
}

// IntegrationRequest carries one integration invocation.
type IntegrationRequest struct {
	WorkflowID  uuid.UUID
	Integration string
	API         string
	Credential  string
	Params      map[string]interface{}
}

// IntegrationExecutor dispatches an integration invocation to the
// provider named by the request.
//
// Contract: implementations MUST follow Go conventions:
//   - On success: return (result, nil)
//   - On error: return (nil, error) where error is non-nil
type IntegrationExecutor interface {
	Execute(ctx context.Context, req *IntegrationRequest) (interface{}, error)
}

// InferenceRequest carries one model completion call.
type InferenceRequest struct {
	WorkflowID  uuid.UUID
	Provider    string
	Model       string
	Prompt      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Credential  string
}

// Inferencer performs model completions for ai_inference actions.
type Inferencer interface {
	Infer(ctx context.Context, req *InferenceRequest) (string, error)
}

// MailMessage is the resolved content of a send_email action.
type MailMessage struct {
	Recipients []string
	Subject    string
	Body       string
	SenderName string
}

// Mailer dispatches email through the process mail gateway and returns
// the sent envelope.
type Mailer interface {
	Send(ctx context.Context, msg *MailMessage) (map[string]interface{}, error)
}

// MetricsRecorder receives execution counters. A nil recorder disables
// metrics.
type MetricsRecorder interface {
	RunStarted()
	RunCompleted(status string, duration time.Duration)
	NodeExecuted(actionType, status string)
}

// Executor runs workflows: it opens the run, walks the action graph
// breadth-first from the start handle, dispatches each action by type,
// and persists the accumulated state after every action that produced
// output. Actions within one run execute sequentially; many runs may
// execute concurrently on one Executor.
type Executor struct {
	store        RunStore
	http         HTTPRequester
	integrations IntegrationExecutor
	llm          Inferencer
	mailer       Mailer
	evaluator    *expression.Evaluator
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      MetricsRecorder
}

// NewExecutor creates an executor that persists runs through store.
// Wire optional capabilities with the With* methods before first use.
func NewExecutor(store RunStore) *Executor {
	return &Executor{
		store:     store,
		evaluator: expression.New(),
		logger:    slog.Default(),
	}
}

// WithHTTPClient sets the client used by http_request actions.
func (e *Executor) WithHTTPClient(client HTTPRequester) *Executor {
	e.http = client
	return e
}

// WithIntegrations sets the integration dispatcher.
func (e *Executor) WithIntegrations(integrations IntegrationExecutor) *Executor {
	e.integrations = integrations
	return e
}

// WithInferencer sets the model completion provider.
func (e *Executor) WithInferencer(llm Inferencer) *Executor {
	e.llm = llm
	return e
}

// WithMailer sets the mail gateway.
func (e *Executor) WithMailer(mailer Mailer) *Executor {
	e.mailer = mailer
	return e
}

// WithLogger sets a custom logger for the executor.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithTracer enables span emission for runs and actions.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer
	return e
}

// WithMetrics sets the metrics recorder.
func (e *Executor) WithMetrics(metrics MetricsRecorder) *Executor {
	e.metrics = metrics
	return e
}

// Run executes a workflow starting from startHandle. When the trigger
// supplied a payload it is planted as the start action's output before
// traversal begins. Run returns the run id, which is uuid.Nil when the
// workflow is offline.
//
// Offline workflows (IsLive false) short-circuit: Run returns success
// without touching the store. Any action error aborts the run; state
// persisted so far is kept for inspection and the completion mark is
// never written.
func (e *Executor) Run(ctx context.Context, wf *Workflow, startHandle string, payload map[string]interface{}) (uuid.UUID, error) {
	if !wf.IsLive {
		e.logger.Info("workflow is offline, skipping run",
			"workflow_id", wf.ID,
			"workflow_name", wf.Name,
		)
		return uuid.Nil, nil
	}

	if _, ok := wf.Actions[startHandle]; !ok {
		return uuid.Nil, &errors.NotFoundError{Resource: "action", ID: startHandle}
	}

	runID, err := e.store.CreateRun(ctx, wf.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create run for workflow %s: %w", wf.ID, err)
	}

	started := time.Now()
	if e.metrics != nil {
		e.metrics.RunStarted()
	}

	ctx, runSpan := e.startSpan(ctx, "workflow.run",
		attribute.String("workflow.id", wf.ID.String()),
		attribute.String("workflow.name", wf.Name),
		attribute.String("run.id", runID.String()),
	)

	logger := e.logger.With("run_id", runID, "workflow_id", wf.ID)
	logger.Info("run started", "workflow_name", wf.Name, "start_handle", startHandle)

	err = e.traverse(ctx, logger, runID, wf, startHandle, payload)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RunCompleted("error", time.Since(started))
		}
		endSpan(runSpan, err)
		return runID, err
	}

	if err := e.store.CompleteRun(ctx, runID); err != nil {
		endSpan(runSpan, err)
		return runID, fmt.Errorf("complete run %s: %w", runID, err)
	}

	if e.metrics != nil {
		e.metrics.RunCompleted("success", time.Since(started))
	}
	endSpan(runSpan, nil)
	logger.Info("run completed", "duration_ms", time.Since(started).Milliseconds())

	return runID, nil
}

// traverse walks the graph breadth-first and executes each action once.
func (e *Executor) traverse(ctx context.Context, logger *slog.Logger, runID uuid.UUID, wf *Workflow, startHandle string, payload map[string]interface{}) error {
	state := NewState()

	planted := payload != nil
	if planted {
		state.Store(startHandle, payload)
		if err := e.store.SaveRunState(ctx, runID, wf.ID, state.Map()); err != nil {
			return fmt.Errorf("persist trigger payload: %w", err)
		}
	}

	queue := []string{startHandle}
	seen := map[string]bool{startHandle: true}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run %s cancelled: %w", runID, err)
		}

		handle := queue[0]
		queue = queue[1:]
		action := wf.Actions[handle]

		// The planted payload is the start action's output; the action
		// itself does not execute again.
		if !(planted && handle == startHandle) {
			if err := e.executeAction(ctx, logger, runID, wf, action, state); err != nil {
				return err
			}
		}

		for _, child := range wf.Edges[handle] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	return nil
}

// executeAction dispatches one action, stores its output when it produced
// one, and persists the updated run state.
func (e *Executor) executeAction(ctx context.Context, logger *slog.Logger, runID uuid.UUID, wf *Workflow, action *Action, state *State) error {
	ctx, span := e.startSpan(ctx, "workflow.node",
		attribute.String("action.handle", action.ReferenceHandle),
		attribute.String("action.type", string(action.Type)),
	)

	started := time.Now()
	output, err := e.dispatch(ctx, wf, action, state)
	if err != nil {
		if e.metrics != nil {
			e.metrics.NodeExecuted(string(action.Type), "error")
		}
		endSpan(span, err)
		logger.Error("action failed",
			"action_handle", action.ReferenceHandle,
			"action_type", action.Type,
			"action_id", action.ID,
			"error", err,
		)
		return fmt.Errorf("action %s: %w", action.ReferenceHandle, err)
	}

	if output != nil {
		state.Store(action.ReferenceHandle, output)
		if err := e.store.SaveRunState(ctx, runID, wf.ID, state.Map()); err != nil {
			if e.metrics != nil {
				e.metrics.NodeExecuted(string(action.Type), "error")
			}
			endSpan(span, err)
			return fmt.Errorf("persist state after %s: %w", action.ReferenceHandle, err)
		}
	}

	if e.metrics != nil {
		e.metrics.NodeExecuted(string(action.Type), "success")
	}
	endSpan(span, nil)
	logger.Debug("action completed",
		"action_handle", action.ReferenceHandle,
		"action_type", action.Type,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return nil
}

// dispatch executes one action by type and returns its output. A nil
// output means the action produced nothing to store.
func (e *Executor) dispatch(ctx context.Context, wf *Workflow, action *Action, state *State) (interface{}, error) {
	resolver := NewResolver(state)

	switch action.Type {
	case ActionTypeWebhook:
		// Entry point only: its output is the ingress payload, planted
		// by the executor before traversal.
		return nil, nil
	case ActionTypeManualStart:
		return e.executeManualStart(action)
	case ActionTypeHTTPRequest:
		return e.executeHTTPRequest(ctx, action, resolver)
	case ActionTypeIfCondition:
		return e.executeIfCondition(action, state, resolver)
	case ActionTypeAIInference:
		return e.executeAIInference(ctx, wf, action, resolver)
	case ActionTypeSendEmail:
		return e.executeSendEmail(ctx, action, resolver)
	case ActionTypeIntegration:
		return e.executeIntegration(ctx, wf, action, resolver)
	case ActionTypeTransform:
		return e.executeTransform(ctx, action, resolver)
	default:
		return nil, &errors.ConfigError{
			Key:    "action_type",
			Reason: fmt.Sprintf("unsupported action type %q", action.Type),
		}
	}
}

func (e *Executor) executeManualStart(action *Action) (interface{}, error) {
	var def ManualStartDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}
	if def.Input == nil {
		return map[string]interface{}{}, nil
	}
	return def.Input, nil
}

func (e *Executor) executeHTTPRequest(ctx context.Context, action *Action, resolver *Resolver) (interface{}, error) {
	if e.http == nil {
		return nil, &errors.ConfigError{Key: "http_client", Reason: "no HTTP client configured"}
	}

	var def HTTPRequestDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}

	method := strings.ToUpper(def.Method)
	switch method {
	case "GET", "POST", "PUT", "DELETE":
	default:
		return nil, &errors.ValidationError{
			Field:      "method",
			Message:    fmt.Sprintf("action %q: unsupported HTTP method %q", action.ReferenceHandle, def.Method),
			Suggestion: "use one of: GET, POST, PUT, DELETE",
		}
	}

	url := resolver.ResolveToString(def.URL)
	headers := make(map[string]string, len(def.Headers))
	for name, value := range def.Headers {
		headers[name] = resolver.ResolveToString(value)
	}
	payload := resolver.Resolve(def.Payload)

	return e.http.RequestJSON(ctx, method, url, headers, payload)
}

func (e *Executor) executeIfCondition(action *Action, state *State, resolver *Resolver) (interface{}, error) {
	var def IfConditionDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}
	if err := validateIfCondition(action.ReferenceHandle, &def); err != nil {
		return nil, err
	}

	var result bool
	var err error
	if def.Expression != "" {
		resolved := resolver.ResolveToString(def.Expression)
		result, err = e.evaluator.Evaluate(resolved, state.Map())
	} else {
		result, err = EvaluateConditions(def.Conditions, resolver)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"condition_result": result}, nil
}

func (e *Executor) executeAIInference(ctx context.Context, wf *Workflow, action *Action, resolver *Resolver) (interface{}, error) {
	if e.llm == nil {
		return nil, &errors.ConfigError{Key: "ai_inference", Reason: "no inference provider configured"}
	}

	var def AIInferenceDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}

	text, err := e.llm.Infer(ctx, &InferenceRequest{
		WorkflowID:  wf.ID,
		Provider:    def.Provider,
		Model:       def.Model,
		Prompt:      resolver.ResolveToString(def.Prompt),
		Temperature: def.Temperature,
		TopP:        def.TopP,
		MaxTokens:   def.MaxTokens,
		Credential:  def.Credential,
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"output": text}, nil
}

func (e *Executor) executeSendEmail(ctx context.Context, action *Action, resolver *Resolver) (interface{}, error) {
	if e.mailer == nil {
		return nil, &errors.ConfigError{Key: "mail_gateway", Reason: "no mail gateway configured"}
	}

	var def SendEmailDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}

	// Each recipient resolves independently; anything that is not a
	// non-empty string after resolution is dropped.
	recipients := make([]string, 0, len(def.Recipients))
	for _, raw := range def.Recipients {
		if addr, ok := resolver.ResolveString(raw).(string); ok && addr != "" {
			recipients = append(recipients, addr)
		}
	}

	return e.mailer.Send(ctx, &MailMessage{
		Recipients: recipients,
		Subject:    resolver.ResolveToString(def.Subject),
		Body:       resolver.ResolveToString(def.Body),
		SenderName: def.SenderName,
	})
}

func (e *Executor) executeIntegration(ctx context.Context, wf *Workflow, action *Action, resolver *Resolver) (interface{}, error) {
	if e.integrations == nil {
		return nil, &errors.ConfigError{Key: "integrations", Reason: "no integration registry configured"}
	}

	var def IntegrationDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}

	// Parameters resolve once here; provider parameter readers see only
	// final values.
	params, _ := resolver.Resolve(def.Params).(map[string]interface{})

	result, err := e.integrations.Execute(ctx, &IntegrationRequest{
		WorkflowID:  wf.ID,
		Integration: def.IntegrationType,
		API:         def.API,
		Credential:  def.Credential,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		// Contract violation; surface it rather than storing nothing.
		return nil, fmt.Errorf("integration %s.%s returned no result and no error", def.IntegrationType, def.API)
	}
	return result, nil
}

func (e *Executor) executeTransform(ctx context.Context, action *Action, resolver *Resolver) (interface{}, error) {
	var def TransformDefinition
	if err := decodeDefinition(action, &def); err != nil {
		return nil, err
	}
	return runTransform(ctx, &def, resolver)
}

func (e *Executor) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
