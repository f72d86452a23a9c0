package biasflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal biasflow HTTP API client.
type Client struct {
	BaseURL     string
	SessionID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// Snapshot is the API snapshot model (partial). Item records are kept as raw
// JSON so the SDK tolerates additive schema changes.
type Snapshot struct {
	Version     int                        `json:"version"`
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	DeckID      string                     `json:"deckId"`
	DeckVersion string                     `json:"deckVersion"`
	Items       map[string]json.RawMessage `json:"items"`
	State       WorkflowState              `json:"state"`
}

// WorkflowState tracks workflow navigation.
type WorkflowState struct {
	CurrentStage    int    `json:"currentStage"`
	CompletedStages []int  `json:"completedStages"`
	StartedAt       string `json:"startedAt"`
	LastModifiedAt  string `json:"lastModifiedAt"`
}

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DeckID      string `json:"deck_id"`
	DeckVersion string `json:"deck_version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Finding is one validation result.
type Finding struct {
	Type    string `json:"type"`
	ItemID  string `json:"item_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Report groups validation findings by severity.
type Report struct {
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
}

// Metrics are the weighted completeness percentages.
type Metrics struct {
	Assessed            int `json:"assessed"`
	Mapped              int `json:"mapped"`
	RationalePresent    int `json:"rationale_present"`
	Mitigated           int `json:"mitigated"`
	Implemented         int `json:"implemented"`
	OverallCompleteness int `json:"overall_completeness"`
}

// StageStatus is the gate state of one workflow stage.
type StageStatus struct {
	Stage    int      `json:"stage"`
	Name     string   `json:"name"`
	Complete bool     `json:"complete"`
	Current  bool     `json:"current"`
	Warnings []string `json:"warnings,omitempty"`
}

// Event is one audit log entry. Payload is the raw JSON the server stored.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type snapshotEnvelope struct {
	Snapshot Snapshot `json:"snapshot"`
	Warnings []string `json:"warnings"`
}

// CreateSession creates an assessment session.
func (c *Client) CreateSession(ctx context.Context, name, description string) (Snapshot, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp snapshotEnvelope
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp.Snapshot, err
}

// ListSessions returns stored sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var resp struct {
		Items []SessionInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions", nil, &resp)
	return resp.Items, err
}

// GetSession fetches the session snapshot, plus any migration warnings.
func (c *Client) GetSession(ctx context.Context) (Snapshot, []string, error) {
	var resp snapshotEnvelope
	err := c.do(ctx, http.MethodGet, c.sessionPath(""), nil, &resp)
	return resp.Snapshot, resp.Warnings, err
}

// AssignRisk sets an item's risk category.
func (c *Client) AssignRisk(ctx context.Context, itemID, category string) (Snapshot, error) {
	var resp snapshotEnvelope
	endpoint := c.sessionPath(fmt.Sprintf("items/%s/risk", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"category": category}, &resp)
	return resp.Snapshot, err
}

// MapStage maps an item to a lifecycle stage.
func (c *Client) MapStage(ctx context.Context, itemID, stage string) (Snapshot, error) {
	var resp snapshotEnvelope
	endpoint := c.sessionPath(fmt.Sprintf("items/%s/stages", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"stage": stage}, &resp)
	return resp.Snapshot, err
}

// SetRationale records rationale for an item at a lifecycle stage.
func (c *Client) SetRationale(ctx context.Context, itemID, stage, text string) (Snapshot, error) {
	var resp snapshotEnvelope
	endpoint := c.sessionPath(fmt.Sprintf("items/%s/rationale/%s", url.PathEscape(itemID), url.PathEscape(stage)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"text": text}, &resp)
	return resp.Snapshot, err
}

// AttachMitigation pairs a mitigation with an item at a lifecycle stage.
func (c *Client) AttachMitigation(ctx context.Context, itemID, stage, mitigationID string) (Snapshot, error) {
	var resp snapshotEnvelope
	endpoint := c.sessionPath(fmt.Sprintf("items/%s/mitigations", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"stage":         stage,
		"mitigation_id": mitigationID,
	}, &resp)
	return resp.Snapshot, err
}

// SetNote records an implementation note for a pairing.
func (c *Client) SetNote(ctx context.Context, itemID, stage, mitigationID string, rating int, status, freeText string) (Snapshot, error) {
	var resp snapshotEnvelope
	endpoint := c.sessionPath(fmt.Sprintf("items/%s/notes/%s/%s",
		url.PathEscape(itemID), url.PathEscape(stage), url.PathEscape(mitigationID)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{
		"effectiveness_rating": rating,
		"status":               status,
		"free_text":            freeText,
	}, &resp)
	return resp.Snapshot, err
}

// Advance moves the workflow forward one stage.
func (c *Client) Advance(ctx context.Context, force bool) (WorkflowState, error) {
	var resp struct {
		State WorkflowState `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath("advance"), map[string]any{"force": force}, &resp)
	return resp.State, err
}

// Validate runs the full validator over the session.
func (c *Client) Validate(ctx context.Context) (bool, Report, error) {
	var resp struct {
		OK     bool   `json:"ok"`
		Report Report `json:"report"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath("validate"), nil, &resp)
	return resp.OK, resp.Report, err
}

// Progress returns the weighted completeness metrics.
func (c *Client) Progress(ctx context.Context) (Metrics, error) {
	var resp struct {
		Metrics Metrics `json:"metrics"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath("progress"), nil, &resp)
	return resp.Metrics, err
}

// Status returns the gate state of all five workflow stages.
func (c *Client) Status(ctx context.Context) ([]StageStatus, error) {
	var resp struct {
		Stages []StageStatus `json:"stages"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath("status"), nil, &resp)
	return resp.Stages, err
}

// Events returns recent audit entries, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.sessionPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Export returns the session document at the given snapshot generation.
func (c *Client) Export(ctx context.Context, generation int) (json.RawMessage, []string, error) {
	endpoint := fmt.Sprintf("%s?generation=%d", c.sessionPath("export"), generation)
	var resp struct {
		Generation int             `json:"generation"`
		Document   json.RawMessage `json:"document"`
		Warnings   []string        `json:"warnings"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Document, resp.Warnings, err
}

// Import uploads a snapshot of any supported generation.
func (c *Client) Import(ctx context.Context, raw json.RawMessage) (Snapshot, []string, error) {
	var resp snapshotEnvelope
	err := c.do(ctx, http.MethodPost, "v0/import", raw, &resp)
	return resp.Snapshot, resp.Warnings, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if raw, ok := body.(json.RawMessage); ok {
		buf.Write(raw)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	session := url.PathEscape(c.SessionID)
	if p == "" {
		return fmt.Sprintf("v0/sessions/%s", session)
	}
	return fmt.Sprintf("v0/sessions/%s/%s", session, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
