package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/punchamoorthee/goalescrow/internal/api"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/punchamoorthee/goalescrow/internal/models"
	log "github.com/sirupsen/logrus"
)

// APIError is a non-2xx reply from the settlement API.
type APIError struct {
	Status    int
	Kind      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("settlement api: %d %s: %s", e.Status, e.Kind, e.Message)
}

// APIClient attests goal outcomes on the settlement API as the oracle.
type APIClient struct {
	baseURL string
	caller  domain.Address
	http    *retryablehttp.Client
}

func NewAPIClient(baseURL string, caller domain.Address) *APIClient {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = leveledLogger{log.WithField("component", "oracle-client")}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  caller,
		http:    c,
	}
}

// MarkGoal resolves goal index of user. 5xx replies and transport failures
// are retried; everything else is returned as an *APIError.
func (c *APIClient) MarkGoal(ctx context.Context, user domain.Address, index uint64, success bool) (*models.GoalResponse, error) {
	body, err := json.Marshal(models.AttestRequest{User: user.String(), GoalIndex: index, Success: success})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/goals/attest", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.CallerHeader, c.caller.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attest request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("attest response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e models.ErrorResponse
		if err := json.Unmarshal(payload, &e); err != nil {
			e.Error = string(bytes.TrimSpace(payload))
		}
		return nil, &APIError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error, Retryable: e.Retryable}
	}

	var g models.GoalResponse
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("attest response decode failed: %w", err)
	}
	return &g, nil
}

type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) with(kv []interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
