package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/platform"
)

// Job is one unit of engine work. Exactly one of Action and Account is set.
type Job struct {
	Action  *schemas.ActionRequest
	Account *schemas.AccountRequest
}

// ID returns the action or account id of the job.
func (j Job) ID() string {
	switch {
	case j.Action != nil:
		return j.Action.ActionID
	case j.Account != nil:
		return j.Account.AccountID
	}
	return ""
}

// ActionJob wraps an action request.
func ActionJob(req schemas.ActionRequest) Job { return Job{Action: &req} }

// AccountJob wraps an account request.
func AccountJob(req schemas.AccountRequest) Job { return Job{Account: &req} }

// DecodeJob parses one JSON line. Lines carrying an action_type are action
// requests, lines carrying an account_id or profile_url without one are
// account requests. Missing ids are generated, missing expected identifiers
// are derived from the target URL, and platform names are normalized.
func DecodeJob(line []byte) (Job, error) {
	if json.Get(line, "action_type").ValueType() == json.InvalidValue {
		if json.Get(line, "account_id").ValueType() == json.InvalidValue &&
			json.Get(line, "profile_url").ValueType() == json.InvalidValue {
			return Job{}, fmt.Errorf("%w: line is neither an action nor an account request", schemas.ErrInvalidRequest)
		}
		return decodeAccount(line)
	}
	return decodeAction(line)
}

func decodeAction(line []byte) (Job, error) {
	var req schemas.ActionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return Job{}, fmt.Errorf("%w: decoding action request: %v", schemas.ErrInvalidRequest, err)
	}
	req, err := NormalizeAction(req)
	if err != nil {
		return Job{}, err
	}
	return ActionJob(req), nil
}

// NormalizeAction fills what a request may leave out and validates the rest.
// The platform is inferred from the target URL when empty.
func NormalizeAction(req schemas.ActionRequest) (schemas.ActionRequest, error) {
	p, err := resolvePlatform(req.Platform, req.TargetURL)
	if err != nil {
		return req, err
	}
	req.Platform = p
	at, err := schemas.ParseActionType(string(req.ActionType))
	if err != nil {
		return req, fmt.Errorf("%w: %v", schemas.ErrInvalidRequest, err)
	}
	req.ActionType = at

	if req.ActionID == "" {
		req.ActionID = uuid.New().String()
	}
	if strings.TrimSpace(req.ExpectedIdentifier) == "" {
		id, err := platform.IdentifierFromURL(req.Platform, req.ActionType, req.TargetURL)
		if err != nil {
			return req, fmt.Errorf("%w: expected_identifier missing and not derivable: %v", schemas.ErrInvalidRequest, err)
		}
		req.ExpectedIdentifier = id
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("%w: %v", schemas.ErrInvalidRequest, err)
	}
	return req, nil
}

func decodeAccount(line []byte) (Job, error) {
	var req schemas.AccountRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return Job{}, fmt.Errorf("%w: decoding account request: %v", schemas.ErrInvalidRequest, err)
	}
	req, err := NormalizeAccount(req)
	if err != nil {
		return Job{}, err
	}
	return AccountJob(req), nil
}

// NormalizeAccount fills the platform, handle and id of an account request
// from its profile URL where they are missing.
func NormalizeAccount(req schemas.AccountRequest) (schemas.AccountRequest, error) {
	p, err := resolvePlatform(req.Platform, req.ProfileURL)
	if err != nil {
		return req, err
	}
	req.Platform = p
	if req.Handle == "" && req.ProfileURL != "" {
		if loc, err := platform.ParseLocation(p, req.ProfileURL); err == nil {
			req.Handle = loc.Handle
		}
	}
	if req.AccountID == "" {
		req.AccountID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	return req, nil
}

func resolvePlatform(p schemas.Platform, rawURL string) (schemas.Platform, error) {
	if p == "" && rawURL != "" {
		inferred, err := platform.FromURL(rawURL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", schemas.ErrInvalidRequest, err)
		}
		return inferred, nil
	}
	parsed, err := schemas.ParsePlatform(string(p))
	if err != nil {
		return "", fmt.Errorf("%w: %v", schemas.ErrInvalidRequest, err)
	}
	return parsed, nil
}

// ReadJobs decodes every non-blank line of r. Lines that fail to decode are
// reported through onError and skipped.
func ReadJobs(r io.Reader, onError func(lineNo int, err error)) ([]Job, error) {
	var jobs []Job
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if job, ok := decodeLine(lineNo, sc.Text(), onError); ok {
			jobs = append(jobs, job)
		}
	}
	if err := sc.Err(); err != nil {
		return jobs, fmt.Errorf("reading jobs: %w", err)
	}
	return jobs, nil
}

// decodeLine skips blank lines and # comments.
func decodeLine(lineNo int, text string, onError func(lineNo int, err error)) (Job, bool) {
	line := strings.TrimSpace(text)
	if line == "" || strings.HasPrefix(line, "#") {
		return Job{}, false
	}
	job, err := DecodeJob([]byte(line))
	if err != nil {
		if onError != nil {
			onError(lineNo, err)
		}
		return Job{}, false
	}
	return job, true
}
