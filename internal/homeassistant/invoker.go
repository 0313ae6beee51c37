package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aarmijo/hass-chatbot/internal/config"
	"github.com/aarmijo/hass-chatbot/internal/logging"
)

var errNoServiceCaller = errors.New("homeassistant: invoker was not built with NewActionInvoker")

// Recorder receives one observation per invocation.
type Recorder interface {
	ObserveCall(domain, outcome string, duration time.Duration)
}

// Result is the outcome of one ActionInvoker.Invoke call.
type Result struct {
	RequestID string
	EntityID  string
	Action    string
	OK        bool
	// Message is the success text. Empty on failure.
	Message       string
	Body          map[string]any
	ChangedStates []Entity
	Kind          ErrorKind
	StatusCode    int
	Err           error
	Duration      time.Duration
}

// String returns the success message, or a short description of the failure.
func (r Result) String() string {
	if r.OK {
		return r.Message
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("Action %s on entity %s failed (%s, status %d): %v", r.Action, r.EntityID, r.Kind, r.StatusCode, r.Err)
	}
	return fmt.Sprintf("Action %s on entity %s failed (%s): %v", r.Action, r.EntityID, r.Kind, r.Err)
}

// Outcome is the metrics label for the result: "success" or the failure kind.
func (r Result) Outcome() string {
	if r.OK {
		return "success"
	}
	return string(r.Kind)
}

// InvokerOption configures an ActionInvoker.
type InvokerOption func(*ActionInvoker)

// WithLogger sets the logger used for call diagnostics.
func WithLogger(logger *logging.Logger) InvokerOption {
	return func(i *ActionInvoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) InvokerOption {
	return func(i *ActionInvoker) {
		i.recorder = r
	}
}

// WithServiceCaller overrides the transport built from the configuration.
func WithServiceCaller(c ServiceCaller) InvokerOption {
	return func(i *ActionInvoker) {
		i.caller = c
	}
}

// ActionInvoker applies Home Assistant services to entities.
// Credentials are fixed at construction; nothing is read from the environment per call.
type ActionInvoker struct {
	cfg      config.HomeAssistantConfig
	caller   ServiceCaller
	logger   *logging.Logger
	recorder Recorder
}

// NewActionInvoker validates cfg and builds an invoker. Missing credentials
// are reported as config.ErrMissingBaseURL or config.ErrMissingToken.
func NewActionInvoker(cfg config.HomeAssistantConfig, opts ...InvokerOption) (*ActionInvoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	i := &ActionInvoker{
		cfg:    cfg,
		logger: logging.New(logging.LevelInfo),
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.caller == nil {
		caller, err := NewServiceCaller(cfg)
		if err != nil {
			return nil, err
		}
		i.caller = caller
	}
	return i, nil
}

// Invoke calls action on entityID with params merged into the request body.
//
// The returned error is non-nil only for configuration problems and is
// reported before any network I/O. Every other failure (bad entity id,
// transport, non-200 status, undecodable response) is logged and returned
// in the Result with its Kind.
func (i *ActionInvoker) Invoke(ctx context.Context, entityID, action string, params map[string]any) (Result, error) {
	if i == nil {
		return Result{}, config.ErrMissingBaseURL
	}
	if err := i.cfg.Validate(); err != nil {
		return Result{}, err
	}
	if i.caller == nil {
		return Result{}, errNoServiceCaller
	}

	start := time.Now()
	res := Result{
		RequestID: uuid.NewString(),
		EntityID:  entityID,
		Action:    action,
	}
	log := i.logger.With("request_id", res.RequestID, "entity_id", entityID, "action", action)

	call, err := NewServiceCall(entityID, action, params)
	if err != nil {
		return i.finish(log, res, "", err, start), nil
	}
	res.Body = call.Body()

	log.Debug("Calling Home Assistant service", "service", call.Service())
	if log.IsTraceEnabled() {
		log.Trace("Service call body", "body", FormatBody(res.Body))
	}

	resp, err := i.caller.CallService(ctx, call)
	if err != nil {
		return i.finish(log, res, call.Domain, err, start), nil
	}

	res.OK = true
	res.Message = call.SuccessMessage()
	if resp != nil {
		res.ChangedStates = resp.ChangedStates
	}
	return i.finish(log, res, call.Domain, nil, start), nil
}

// InvokeString keeps the plain contract of the tool: the success message,
// or nil on any runtime failure. Only configuration errors are returned.
func (i *ActionInvoker) InvokeString(ctx context.Context, entityID, action string, params map[string]any) (*string, error) {
	res, err := i.Invoke(ctx, entityID, action, params)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, nil //nolint:nilnil // nil means the call failed
	}
	msg := res.Message
	return &msg, nil
}

func (i *ActionInvoker) finish(log *logging.Logger, res Result, domain string, err error, start time.Time) Result {
	res.Duration = time.Since(start)

	if err != nil {
		res.Err = err
		res.Kind = KindOf(err)
		var ce *CallError
		if errors.As(err, &ce) {
			res.StatusCode = ce.StatusCode
		}
		switch res.Kind {
		case KindProtocol:
			log.Warn("Unexpected response from Home Assistant", "status", res.StatusCode, "error", err, "duration", res.Duration)
		case KindInvalidRequest:
			log.Warn("Rejected service call", "error", err)
		default:
			log.Error("Service call failed", "kind", res.Kind, "error", err, "duration", res.Duration)
		}
	} else {
		log.Info("Service call succeeded", "changed_states", len(res.ChangedStates), "duration", res.Duration)
	}

	if i.recorder != nil {
		i.recorder.ObserveCall(metricsDomain(res, domain), res.Outcome(), res.Duration)
	}
	return res
}

// metricsDomain returns the domain label for a call. Entity ids come from
// the agent, so a domain is only used once Home Assistant has answered 200
// for it; every other call is counted under "unknown".
func metricsDomain(res Result, domain string) string {
	if domain == "" || !(res.OK || res.Kind == KindDecode) {
		return "unknown"
	}
	return domain
}
