package verifier

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pricegate/internal/domain"
	"pricegate/internal/logger"
	"pricegate/internal/runner"
)

// CheckOperation is the discriminator token the engine dispatches on.
const CheckOperation = "check"

const verdictSchemaURL = "https://pricegate.local/schemas/verdict.schema.json"

//go:embed verdict.schema.json
var verdictSchemaJSON string

var verdictSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(verdictSchemaURL, strings.NewReader(verdictSchemaJSON)); err != nil {
		return nil, fmt.Errorf("verdict schema load failed: %w", err)
	}
	return c.Compile(verdictSchemaURL)
})

// Runner launches the engine script; runner.Resolver satisfies it.
type Runner interface {
	Run(ctx context.Context, script string, args ...string) (runner.Result, error)
}

// ProtocolError means the engine ran but its stdout is not a verdict.
type ProtocolError struct {
	Executor string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return "invalid verdict encoding"
	}
	return "invalid verdict encoding: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Invoker turns a ValidationRequest into a Verdict by running the engine
// script once through Runner.
type Invoker struct {
	Runner  Runner
	Script  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(r Runner, script string) Invoker {
	return Invoker{Runner: r, Script: script}
}

func (i Invoker) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return logger.L()
}

// Verify runs `<executor> <script> check <json>` and decodes stdout.
// A non-zero exit with a well-formed verdict is not an error here.
func (i Invoker) Verify(ctx context.Context, req domain.ValidationRequest) (domain.Verdict, error) {
	if i.Runner == nil {
		return domain.Verdict{}, &runner.ExecutionError{NoneLaunched: true, Err: runner.ErrNoExecutor}
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		return domain.Verdict{}, err
	}
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := i.Runner.Run(ctx, i.Script, CheckOperation, payload)
	if err != nil {
		var execErr *runner.ExecutionError
		if !errors.As(err, &execErr) {
			err = &runner.ExecutionError{Err: err}
		}
		i.logger().Warn("verifier.unavailable", "script", i.Script, "error", err)
		return domain.Verdict{}, err
	}
	verdict, err := DecodeVerdict(res.Stdout)
	if err != nil {
		i.logger().Warn("verifier.protocol_error", "executor", res.Executor, "exit_code", res.ExitCode, "error", err)
		return domain.Verdict{}, &ProtocolError{
			Executor: res.Executor,
			ExitCode: res.ExitCode,
			Output:   strings.TrimSpace(string(res.Stdout)),
			Err:      err,
		}
	}
	i.logger().Info("verifier.verdict",
		"executor", res.Executor,
		"exit_code", res.ExitCode,
		"status", verdict.RawStatus,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return verdict, nil
}

// EncodeRequest renders the single-argument JSON payload.
func EncodeRequest(req domain.ValidationRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode validation request: %w", err)
	}
	return string(b), nil
}

// DecodeVerdict parses trimmed engine stdout as exactly one verdict object.
func DecodeVerdict(stdout []byte) (domain.Verdict, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return domain.Verdict{}, errors.New("empty output")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return domain.Verdict{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Verdict{}, errors.New("trailing data after verdict")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return domain.Verdict{}, fmt.Errorf("verdict must be an object, got %T", doc)
	}
	schema, err := verdictSchema()
	if err != nil {
		return domain.Verdict{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return domain.Verdict{}, err
	}
	return domain.VerdictFromDocument(obj), nil
}
