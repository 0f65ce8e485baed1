package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverops/quiver/pkg/errors"
)

type mockRunStore struct {
	runID         uuid.UUID
	createCalls   int
	completeCalls int
	saves         []map[string]interface{}
	createErr     error
	saveErr       error
	completeErr   error
}

func (m *mockRunStore) CreateRun(ctx context.Context, workflowID uuid.UUID) (uuid.UUID, error) {
	if m.createErr != nil {
		return uuid.Nil, m.createErr
	}
	m.createCalls++
	m.runID = uuid.New()
	return m.runID, nil
}

func (m *mockRunStore) SaveRunState(ctx context.Context, runID, workflowID uuid.UUID, state map[string]interface{}) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, copyState(state))
	return nil
}

func (m *mockRunStore) CompleteRun(ctx context.Context, runID uuid.UUID) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completeCalls++
	return nil
}

// copyState snapshots a state map so later mutations do not rewrite
// recorded saves. The JSON round trip matches how the store persists.
func copyState(state map[string]interface{}) map[string]interface{} {
	raw, _ := json.Marshal(state)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

type mockHTTPRequester struct {
	calls    int
	method   string
	url      string
	headers  map[string]string
	payload  interface{}
	response interface{}
	err      error
}

func (m *mockHTTPRequester) RequestJSON(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (interface{}, error) {
	m.calls++
	m.method = method
	m.url = url
	m.headers = headers
	m.payload = payload
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

type mockIntegrations struct {
	calls    int
	last     *IntegrationRequest
	response interface{}
	err      error
}

func (m *mockIntegrations) Execute(ctx context.Context, req *IntegrationRequest) (interface{}, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

type mockInferencer struct {
	last     *InferenceRequest
	response string
	err      error
}

func (m *mockInferencer) Infer(ctx context.Context, req *InferenceRequest) (string, error) {
	m.last = req
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

type mockMailer struct {
	last *MailMessage
	err  error
}

func (m *mockMailer) Send(ctx context.Context, msg *MailMessage) (map[string]interface{}, error) {
	m.last = msg
	if m.err != nil {
		return nil, m.err
	}
	return map[string]interface{}{
		"recipients": msg.Recipients,
		"subject":    msg.Subject,
		"body":       msg.Body,
	}, nil
}

func TestRun_StraightLine(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"x":1}}`),
		"B": makeAction("B", ActionTypeIfCondition, `{"conditions":[{"lhs":"<<A.x>>","rhs":1,"op":"=="}]}`),
	}, map[string][]string{
		"A": {"B"},
	})

	runID, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)

	require.Len(t, store.saves, 2)
	assert.Equal(t, map[string]interface{}{"x": 1.0}, store.saves[0]["A"])
	assert.Equal(t, map[string]interface{}{"condition_result": true}, store.saves[1]["B"])
	assert.Equal(t, 1, store.completeCalls)
}

func TestRun_WebhookPayloadPlanted(t *testing.T) {
	store := &mockRunStore{}
	http := &mockHTTPRequester{response: map[string]interface{}{"ok": true}}
	executor := NewExecutor(store).WithHTTPClient(http)

	wf := testWorkflow(map[string]*Action{
		"W": makeAction("W", ActionTypeWebhook, `{}`),
		"H": makeAction("H", ActionTypeHTTPRequest, `{"method":"POST","url":"https://api.example.com/items/<<W.body.id>>"}`),
	}, map[string][]string{
		"W": {"H"},
	})

	payload := map[string]interface{}{
		"body": map[string]interface{}{"id": "42"},
	}

	runID, err := executor.Run(context.Background(), wf, "W", payload)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)

	// The ingress payload is the webhook's output.
	require.NotEmpty(t, store.saves)
	assert.Equal(t, payload, store.saves[0]["W"])

	assert.Equal(t, 1, http.calls)
	assert.Equal(t, "POST", http.method)
	assert.Equal(t, "https://api.example.com/items/42", http.url)

	last := store.saves[len(store.saves)-1]
	assert.Equal(t, map[string]interface{}{"ok": true}, last["H"])
	assert.Equal(t, 1, store.completeCalls)
}

func TestRun_OfflineWorkflowSkipsExecution(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"x":1}}`),
	}, nil)
	wf.IsLive = false

	runID, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	assert.Equal(t, uuid.Nil, runID)
	assert.Equal(t, 0, store.createCalls)
	assert.Empty(t, store.saves)
	assert.Equal(t, 0, store.completeCalls)
}

func TestRun_NodeFailureAbortsRun(t *testing.T) {
	store := &mockRunStore{}
	http := &mockHTTPRequester{err: &errors.HTTPError{Method: "GET", URL: "https://api.example.com", StatusCode: 500, Message: "boom"}}
	executor := NewExecutor(store).WithHTTPClient(http)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"x":1}}`),
		"B": makeAction("B", ActionTypeHTTPRequest, `{"method":"GET","url":"https://api.example.com"}`),
		"C": makeAction("C", ActionTypeManualStart, `{"input":{"never":true}}`),
	}, map[string][]string{
		"A": {"B"},
		"B": {"C"},
	})

	runID, err := executor.Run(context.Background(), wf, "A", nil)
	require.Error(t, err)
	assert.NotEqual(t, uuid.Nil, runID)

	var httpErr *errors.HTTPError
	assert.True(t, errors.As(err, &httpErr))

	// Partial state survives for inspection; the completion mark is
	// never written and downstream actions never run.
	require.Len(t, store.saves, 1)
	assert.Contains(t, store.saves[0], "A")
	assert.Equal(t, 0, store.completeCalls)
}

func TestRun_WebhookWithoutPayloadStoresNothing(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"W": makeAction("W", ActionTypeWebhook, `{}`),
	}, nil)

	runID, err := executor.Run(context.Background(), wf, "W", nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)

	assert.Empty(t, store.saves)
	assert.Equal(t, 1, store.completeCalls)
}

func TestRun_PayloadOverridesManualStartInput(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"configured":true}}`),
	}, nil)

	payload := map[string]interface{}{"supplied": true}
	_, err := executor.Run(context.Background(), wf, "A", payload)
	require.NoError(t, err)

	require.Len(t, store.saves, 1)
	assert.Equal(t, payload, store.saves[0]["A"])
}

func TestRun_UnknownStartHandle(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{}`),
	}, nil)

	_, err := executor.Run(context.Background(), wf, "nope", nil)
	require.Error(t, err)

	var notFound *errors.NotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, 0, store.createCalls)
}

func TestRun_DiamondExecutesEachActionOnce(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"n":"a"}}`),
		"B": makeAction("B", ActionTypeManualStart, `{"input":{"n":"b"}}`),
		"C": makeAction("C", ActionTypeManualStart, `{"input":{"n":"c"}}`),
		"D": makeAction("D", ActionTypeManualStart, `{"input":{"n":"d"}}`),
	}, map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	// One save per action: D joins the queue once despite two parents.
	assert.Len(t, store.saves, 4)
	last := store.saves[len(store.saves)-1]
	assert.Len(t, last, 4)
}

func TestRun_IntegrationDispatch(t *testing.T) {
	store := &mockRunStore{}
	integrations := &mockIntegrations{response: map[string]interface{}{"issue": "SEC-1"}}
	executor := NewExecutor(store).WithIntegrations(integrations)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"summary":"phishing report"}}`),
		"J": makeAction("J", ActionTypeIntegration,
			`{"integration_type":"JIRA","api":"create_issue","credential":"jira_prod","params":{"summary":"<<A.summary>>","project":"SEC"}}`),
	}, map[string][]string{
		"A": {"J"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	require.NotNil(t, integrations.last)
	assert.Equal(t, wf.ID, integrations.last.WorkflowID)
	assert.Equal(t, "JIRA", integrations.last.Integration)
	assert.Equal(t, "create_issue", integrations.last.API)
	assert.Equal(t, "jira_prod", integrations.last.Credential)
	assert.Equal(t, "phishing report", integrations.last.Params["summary"])

	last := store.saves[len(store.saves)-1]
	assert.Equal(t, map[string]interface{}{"issue": "SEC-1"}, last["J"])
}

func TestRun_AIInferenceStoresOutput(t *testing.T) {
	store := &mockRunStore{}
	llm := &mockInferencer{response: "benign"}
	executor := NewExecutor(store).WithInferencer(llm)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"subject":"invoice attached"}}`),
		"T": makeAction("T", ActionTypeAIInference,
			`{"provider":"openai","model":"gpt-4o","prompt":"Classify: <<A.subject>>"}`),
	}, map[string][]string{
		"A": {"T"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	require.NotNil(t, llm.last)
	assert.Equal(t, "Classify: invoice attached", llm.last.Prompt)
	assert.Equal(t, "gpt-4o", llm.last.Model)

	last := store.saves[len(store.saves)-1]
	assert.Equal(t, map[string]interface{}{"output": "benign"}, last["T"])
}

func TestRun_SendEmailDropsNonStringRecipients(t *testing.T) {
	store := &mockRunStore{}
	mailer := &mockMailer{}
	executor := NewExecutor(store).WithMailer(mailer)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart,
			`{"input":{"reporter":"sam@example.com","count":3}}`),
		"E": makeAction("E", ActionTypeSendEmail,
			`{"recipients":["<<A.reporter>>","<<A.count>>","<<A.missing>>","soc@example.com"],"subject":"Case <<A.count>>","body":"done"}`),
	}, map[string][]string{
		"A": {"E"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	require.NotNil(t, mailer.last)
	assert.Equal(t, []string{"sam@example.com", "soc@example.com"}, mailer.last.Recipients)
	assert.Equal(t, "Case 3", mailer.last.Subject)
}

func TestRun_ExpressionCondition(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"severity":"high"}}`),
		"B": makeAction("B", ActionTypeIfCondition, `{"expression":"A.severity == \"high\""}`),
	}, map[string][]string{
		"A": {"B"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	last := store.saves[len(store.saves)-1]
	assert.Equal(t, map[string]interface{}{"condition_result": true}, last["B"])
}

func TestRun_TransformNode(t *testing.T) {
	store := &mockRunStore{}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{"input":{"values":[3,1,2]}}`),
		"T": makeAction("T", ActionTypeTransform, `{"input":"<<A.values>>","query":"sort | first"}`),
	}, map[string][]string{
		"A": {"T"},
	})

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.NoError(t, err)

	last := store.saves[len(store.saves)-1]
	assert.Equal(t, 1.0, last["T"])
}

func TestRun_CompleteRunFailurePropagates(t *testing.T) {
	store := &mockRunStore{completeErr: &errors.StateError{Reason: "no run state row"}}
	executor := NewExecutor(store)

	wf := testWorkflow(map[string]*Action{
		"A": makeAction("A", ActionTypeManualStart, `{}`),
	}, nil)

	_, err := executor.Run(context.Background(), wf, "A", nil)
	require.Error(t, err)

	var stateErr *errors.StateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestRun_MissingCapabilityIsConfigError(t *testing.T) {
	tests := []struct {
		name       string
		actionType ActionType
		definition string
	}{
		{"http without client", ActionTypeHTTPRequest, `{"method":"GET","url":"https://x"}`},
		{"integration without registry", ActionTypeIntegration, `{"integration_type":"SLACK","api":"send_message"}`},
		{"inference without provider", ActionTypeAIInference, `{"prompt":"hi"}`},
		{"email without gateway", ActionTypeSendEmail, `{"recipients":["a@b.c"],"subject":"s","body":"b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockRunStore{}
			executor := NewExecutor(store)

			wf := testWorkflow(map[string]*Action{
				"N": makeAction("N", tt.actionType, tt.definition),
			}, nil)

			_, err := executor.Run(context.Background(), wf, "N", nil)
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}
