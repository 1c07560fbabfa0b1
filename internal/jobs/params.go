package jobs

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Parameters is the job specific payload of a configuration. Each built-in job
// type has exactly one variant; the executor dispatches on the concrete type.
type Parameters interface {
	JobType() JobType
	Validate() error
}

// HTTPCallParameters describes an outbound HTTP request.
type HTTPCallParameters struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
	RetryOnCodes []int             `json:"retry_on_codes,omitempty"`
}

func (*HTTPCallParameters) JobType() JobType { return TypeHTTPCall }

func (p *HTTPCallParameters) Validate() error {
	if p.URL == "" {
		return Validationf("http: url required")
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Validationf("http: invalid url %q", p.URL)
	}
	switch strings.ToUpper(p.Method) {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return Validationf("http: unsupported method %q", p.Method)
	}
	if p.TimeoutMS < 0 {
		return Validationf("http: timeout_ms must not be negative")
	}
	return nil
}

// ShellCommandParameters runs a command through /bin/sh.
type ShellCommandParameters struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (*ShellCommandParameters) JobType() JobType { return TypeShellCommand }

func (p *ShellCommandParameters) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return Validationf("shell: command required")
	}
	if p.TimeoutSec < 0 {
		return Validationf("shell: timeout_sec must not be negative")
	}
	return nil
}

// SleepParameters drives a job that only reports progress. It is used for
// smoke tests of a deployment and in tests.
type SleepParameters struct {
	Stages        int `json:"stages"`
	ItemsPerStage int `json:"items_per_stage"`
	ItemMillis    int `json:"item_millis"`
	// FailAtItem makes the n-th work item (1-based, across stages) fail.
	FailAtItem int `json:"fail_at_item,omitempty"`
}

func (*SleepParameters) JobType() JobType { return TypeSleep }

func (p *SleepParameters) Validate() error {
	if p.Stages < 0 || p.ItemsPerStage < 0 || p.ItemMillis < 0 || p.FailAtItem < 0 {
		return Validationf("sleep: values must not be negative")
	}
	return nil
}

// EncodeParameters renders p as JSON; nil encodes as nil.
func EncodeParameters(p Parameters) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	return b, errors.Wrap(err, "encode parameters")
}

// DecodeParameters decodes raw into the variant registered for t. Types
// without parameters decode to nil.
func DecodeParameters(reg *Registry, t JobType, raw []byte) (Parameters, error) {
	d, ok := reg.Lookup(t)
	if !ok {
		return nil, Validationf("unknown job type %q", t)
	}
	if d.NewParameters == nil {
		return nil, nil
	}
	p := d.NewParameters()
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, AsValidation(errors.Wrapf(err, "decode %s parameters", t))
	}
	return p, nil
}
