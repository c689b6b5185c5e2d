package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuiltinConfig configures the HTTP backend for the five built-in
// incident-management tools.
type BuiltinConfig struct {
	BaseURL   string
	JWT       string
	OrgID     string
	ProjectID string
	Timeout   time.Duration
}

func (c BuiltinConfig) withDefaults() BuiltinConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// BuiltinClient calls the incident-management HTTP backend on behalf of a
// single session, carrying its JWT and org/project context on every
// request.
type BuiltinClient struct {
	cfg        BuiltinConfig
	httpClient *http.Client
}

// NewBuiltinClient builds a client bound to one session's credentials.
func NewBuiltinClient(cfg BuiltinConfig) *BuiltinClient {
	cfg = cfg.withDefaults()
	return &BuiltinClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Call dispatches a built-in tool by name. Unknown names return a
// structured error result rather than panicking, since the name ultimately
// originates from model output.
func (c *BuiltinClient) Call(ctx context.Context, name string, input json.RawMessage) Result {
	tool, ok := builtinTools[name]
	if !ok {
		return errResult(fmt.Sprintf("unknown built-in tool %q", name))
	}
	if err := tool.validate(input); err != nil {
		return errResult(fmt.Sprintf("invalid arguments for %s: %s", name, err.Error()))
	}
	return tool.call(ctx, c, input)
}

func errResult(msg string) Result {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return Result{Content: string(b), IsError: true}
}

// builtinTool pairs a compiled input schema with the function that
// executes the call against the incident-management backend.
type builtinTool struct {
	descriptor Descriptor
	schema     *jsonschema.Schema
	call       func(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result
}

func (t builtinTool) validate(input json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var payload any
	if len(input) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(input, &payload); err != nil {
		return err
	}
	return t.schema.Validate(payload)
}

var (
	builtinOnce  sync.Once
	builtinTools map[string]builtinTool
	builtinInit  error
)

// BuiltinDescriptors returns the tool descriptors for the five built-in
// incident-management tools, compiling their JSON Schemas on first use.
// It panics only if the hand-written Go structs themselves fail to
// generate valid schema documents, which would be a programming error
// caught by any test that calls it.
func BuiltinDescriptors() []Descriptor {
	if err := initBuiltinTools(); err != nil {
		panic(fmt.Sprintf("tools: built-in schema compilation failed: %v", err))
	}
	out := make([]Descriptor, 0, len(builtinOrder))
	for _, name := range builtinOrder {
		out = append(out, builtinTools[name].descriptor)
	}
	return out
}

var builtinOrder = []string{
	"get_incidents",
	"get_incident_details",
	"get_incident_stats",
	"acknowledge_incident",
	"resolve_incident",
}

// Input structs for the five built-in tools. invopop/jsonschema reflects
// these into the JSON Schema documents surfaced to the model, so the
// schema and the decoding logic can never drift apart.

type getIncidentsInput struct {
	Limit    int    `json:"limit,omitempty" jsonschema:"description=maximum number of incidents to return"`
	Status   string `json:"status,omitempty" jsonschema:"enum=open,enum=acknowledged,enum=resolved,description=filter by incident status"`
	Severity string `json:"severity,omitempty" jsonschema:"enum=low,enum=medium,enum=high,enum=critical,description=filter by incident severity"`
}

type getIncidentDetailsInput struct {
	IncidentID string `json:"incident_id" jsonschema:"required,format=uuid,description=the incident to fetch"`
}

type getIncidentStatsInput struct {
	TimeRange string `json:"time_range,omitempty" jsonschema:"enum=1h,enum=24h,enum=7d,enum=30d,description=window to aggregate stats over"`
}

type acknowledgeIncidentInput struct {
	IncidentID string `json:"incident_id" jsonschema:"required,format=uuid,description=the incident to acknowledge"`
	Note       string `json:"note,omitempty" jsonschema:"description=optional note to attach to the acknowledgement"`
}

type resolveIncidentInput struct {
	IncidentID string `json:"incident_id" jsonschema:"required,format=uuid,description=the incident to resolve"`
	Resolution string `json:"resolution,omitempty" jsonschema:"description=optional resolution summary"`
}

func initBuiltinTools() error {
	builtinOnce.Do(func() {
		builtinTools = make(map[string]builtinTool, len(builtinOrder))

		specs := []struct {
			name        string
			description string
			sample      any
			call        func(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result
		}{
			{"get_incidents", "List incidents, optionally filtered by status and severity.", getIncidentsInput{}, callGetIncidents},
			{"get_incident_details", "Fetch full details for a single incident by id.", getIncidentDetailsInput{}, callGetIncidentDetails},
			{"get_incident_stats", "Get aggregate incident counts over a time window.", getIncidentStatsInput{}, callGetIncidentStats},
			{"acknowledge_incident", "Acknowledge an incident, optionally with a note.", acknowledgeIncidentInput{}, callAcknowledgeIncident},
			{"resolve_incident", "Resolve an incident, optionally with a resolution summary.", resolveIncidentInput{}, callResolveIncident},
		}

		reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

		for _, s := range specs {
			raw, err := json.Marshal(reflector.Reflect(s.sample))
			if err != nil {
				builtinInit = fmt.Errorf("reflect schema for %s: %w", s.name, err)
				return
			}
			compiled, err := jsonschema.CompileString(s.name, string(raw))
			if err != nil {
				builtinInit = fmt.Errorf("compile schema for %s: %w", s.name, err)
				return
			}
			builtinTools[s.name] = builtinTool{
				descriptor: Descriptor{Name: s.name, Description: s.description, InputSchema: raw},
				schema:     compiled,
				call:       s.call,
			}
		}
	})
	return builtinInit
}

// --- HTTP plumbing shared by the five calls ---

func (c *BuiltinClient) newRequest(ctx context.Context, method, path string, query map[string]string, body any) (*http.Request, error) {
	u := c.cfg.BaseURL + path
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			if v != "" {
				q.Set(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.JWT)
	}
	if c.cfg.OrgID != "" {
		req.Header.Set("X-Org-ID", c.cfg.OrgID)
	}
	if c.cfg.ProjectID != "" {
		req.Header.Set("X-Project-ID", c.cfg.ProjectID)
	}
	return req, nil
}

func (c *BuiltinClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

func httpErrResult(status int, body []byte, err error) Result {
	if err != nil {
		return errResult(fmt.Sprintf("request failed: %s", err.Error()))
	}
	return errResult(fmt.Sprintf("backend returned status %d: %s", status, string(body)))
}

func callGetIncidents(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result {
	var in getIncidentsInput
	if len(input) > 0 {
		_ = json.Unmarshal(input, &in)
	}
	query := map[string]string{"status": in.Status, "severity": in.Severity}
	if in.Limit > 0 {
		query["limit"] = fmt.Sprintf("%d", in.Limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/incidents", query, nil)
	if err != nil {
		return errResult(err.Error())
	}
	status, body, err := c.do(req)
	if err != nil || status < 200 || status >= 300 {
		return httpErrResult(status, body, err)
	}
	return Result{Content: string(body)}
}

func callGetIncidentDetails(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result {
	var in getIncidentDetailsInput
	if err := json.Unmarshal(input, &in); err != nil || in.IncidentID == "" {
		return errResult("incident_id is required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/incidents/"+in.IncidentID, nil, nil)
	if err != nil {
		return errResult(err.Error())
	}
	status, body, err := c.do(req)
	if err != nil || status < 200 || status >= 300 {
		return httpErrResult(status, body, err)
	}
	return Result{Content: string(body)}
}

// incidentSummary is the minimal shape used to aggregate stats locally
// when the backend has no dedicated stats endpoint.
type incidentSummary struct {
	Status   string `json:"status"`
	Severity string `json:"severity"`
}

func callGetIncidentStats(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result {
	var in getIncidentStatsInput
	if len(input) > 0 {
		_ = json.Unmarshal(input, &in)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/incidents/stats", map[string]string{"range": in.TimeRange}, nil)
	if err != nil {
		return errResult(err.Error())
	}
	status, body, err := c.do(req)
	if err == nil && status >= 200 && status < 300 {
		return Result{Content: string(body)}
	}

	// Fall back to listing and aggregating locally.
	fallbackReq, ferr := c.newRequest(ctx, http.MethodGet, "/incidents", map[string]string{"limit": "100"}, nil)
	if ferr != nil {
		return errResult(ferr.Error())
	}
	fStatus, fBody, fErr := c.do(fallbackReq)
	if fErr != nil || fStatus < 200 || fStatus >= 300 {
		return httpErrResult(fStatus, fBody, fErr)
	}

	var incidents []incidentSummary
	if err := json.Unmarshal(fBody, &incidents); err != nil {
		return errResult("fallback aggregation failed: backend returned unexpected shape")
	}
	byStatus := map[string]int{}
	bySeverity := map[string]int{}
	for _, inc := range incidents {
		if inc.Status != "" {
			byStatus[inc.Status]++
		}
		if inc.Severity != "" {
			bySeverity[inc.Severity]++
		}
	}
	out, _ := json.Marshal(map[string]any{
		"total":       len(incidents),
		"by_status":   byStatus,
		"by_severity": bySeverity,
		"aggregated":  true,
	})
	return Result{Content: string(out)}
}

func callAcknowledgeIncident(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result {
	var in acknowledgeIncidentInput
	if err := json.Unmarshal(input, &in); err != nil || in.IncidentID == "" {
		return errResult("incident_id is required")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/incidents/"+in.IncidentID+"/acknowledge", nil, map[string]string{"note": in.Note})
	if err != nil {
		return errResult(err.Error())
	}
	status, body, err := c.do(req)
	if err != nil || status < 200 || status >= 300 {
		return httpErrResult(status, body, err)
	}
	return Result{Content: string(body)}
}

func callResolveIncident(ctx context.Context, c *BuiltinClient, input json.RawMessage) Result {
	var in resolveIncidentInput
	if err := json.Unmarshal(input, &in); err != nil || in.IncidentID == "" {
		return errResult("incident_id is required")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/incidents/"+in.IncidentID+"/resolve", nil, map[string]string{"resolution": in.Resolution})
	if err != nil {
		return errResult(err.Error())
	}
	status, body, err := c.do(req)
	if err != nil || status < 200 || status >= 300 {
		return httpErrResult(status, body, err)
	}
	return Result{Content: string(body)}
}
