package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/veltaria/planrun/pkg/governance"
	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/txn"
)

// API issues HTTP requests and captures status/headers/body as outputs.
// Transport failures fail the step; a non-matching status is a result
// judged by the step's expect_status predicate.
type API struct {
	Client *http.Client
	Redact []*governance.CompiledRedaction
}

// Execute implements Executor.
func (e *API) Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error) {
	result := newResult(step)
	defer finish(result)

	payload := step.API
	if payload == nil {
		result.Fail(ErrKindExecution, "api step has no payload")
		return result, nil
	}

	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodGet
	}

	if execCtx.DryRun {
		result.Success = true
		result.Output("dry_run", true)
		result.Output("would_execute", method+" "+payload.URL)
		return result, nil
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, payload.URL, body)
	if err != nil {
		result.Fail(ErrKindExecution, "build request: %v", err)
		return result, nil
	}
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Fail(ErrKindTimeout, "request timed out after %s", step.Timeout)
		} else {
			result.Fail(ErrKindExecution, "request: %v", err)
		}
		return result, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		result.Fail(ErrKindExecution, "read response body: %v", err)
		return result, nil
	}

	bodyStr := string(respBody)
	if len(e.Redact) > 0 {
		bodyStr = governance.RedactOutput(bodyStr, e.Redact)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result.Output("status", resp.StatusCode)
	result.Output("headers", headers)
	result.Output("body", bodyStr)
	if strings.HasPrefix(strings.TrimSpace(bodyStr), "{") || strings.HasPrefix(strings.TrimSpace(bodyStr), "[") {
		var parsed any
		if err := json.Unmarshal([]byte(bodyStr), &parsed); err == nil {
			result.Output("json", parsed)
		}
	}

	ok, err := statusMatches(payload.ExpectStatus, resp.StatusCode)
	if err != nil {
		result.Fail(ErrKindExecution, "expect_status: %v", err)
		return result, nil
	}
	if !ok {
		result.Fail(ErrKindExecution, "status %d does not satisfy expect_status %q", resp.StatusCode, expectOrDefault(payload.ExpectStatus))
		return result, nil
	}

	result.Success = true
	if method != http.MethodGet && method != http.MethodHead {
		// The remote effect has no generic undo; record it so the
		// operation list shows what was touched.
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpPlanStep,
			Undo: txn.UndoSpec{Kind: txn.UndoNone, Note: method + " " + payload.URL},
		})
	}
	return result, nil
}

func expectOrDefault(expect string) string {
	if expect == "" {
		return "2xx"
	}
	return expect
}

// statusMatches evaluates a status predicate: "any", a class like "2xx", an
// exact code like "204", a range like "200-299", or a comma-separated list
// of those. Empty means "2xx".
func statusMatches(expect string, status int) (bool, error) {
	expect = strings.TrimSpace(expect)
	if expect == "" {
		expect = "2xx"
	}
	for _, part := range strings.Split(expect, ",") {
		part = strings.TrimSpace(part)
		ok, err := statusMatchesOne(part, status)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func statusMatchesOne(part string, status int) (bool, error) {
	switch {
	case part == "any":
		return true, nil
	case len(part) == 3 && strings.HasSuffix(part, "xx"):
		class, err := strconv.Atoi(part[:1])
		if err != nil {
			return false, fmt.Errorf("invalid status class %q", part)
		}
		return status/100 == class, nil
	case strings.Contains(part, "-"):
		lowStr, highStr, _ := strings.Cut(part, "-")
		low, err1 := strconv.Atoi(strings.TrimSpace(lowStr))
		high, err2 := strconv.Atoi(strings.TrimSpace(highStr))
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("invalid status range %q", part)
		}
		return status >= low && status <= high, nil
	default:
		code, err := strconv.Atoi(part)
		if err != nil {
			return false, fmt.Errorf("invalid status predicate %q", part)
		}
		return status == code, nil
	}
}
