package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"pricegate/internal/domain"
	"pricegate/internal/runner"
)

type fakeRunner struct {
	calls  int
	script string
	args   []string
	ctx    context.Context
	reply  func(payload string) (runner.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, script string, args ...string) (runner.Result, error) {
	f.calls++
	f.ctx = ctx
	f.script = script
	f.args = args
	payload := ""
	if len(args) > 1 {
		payload = args[1]
	}
	return f.reply(payload)
}

func replyWith(stdout string, exitCode int) func(string) (runner.Result, error) {
	return func(string) (runner.Result, error) {
		return runner.Result{Executor: "python3", ExitCode: exitCode, Stdout: []byte(stdout)}, nil
	}
}

var patnaWheat = domain.ValidationRequest{
	Commodity:   "Wheat",
	State:       "Bihar",
	District:    "Patna",
	Market:      "Patna Market",
	VendorPrice: 2100,
}

func TestVerifyPassesCheckTokenAndPayload(t *testing.T) {
	fr := &fakeRunner{reply: replyWith(`{"status":"accept"}`, 0)}
	inv := New(fr, "ml/price_model.py")

	v, err := inv.Verify(context.Background(), patnaWheat)
	require.NoError(t, err)
	require.True(t, v.Accepted())
	require.Equal(t, 1, fr.calls)
	require.Equal(t, "ml/price_model.py", fr.script)
	require.Len(t, fr.args, 2)
	require.Equal(t, CheckOperation, fr.args[0])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(fr.args[1]), &payload))
	require.Equal(t, map[string]any{
		"commodity":    "Wheat",
		"state":        "Bihar",
		"district":     "Patna",
		"market":       "Patna Market",
		"vendor_price": 2100.0,
	}, payload)
}

func TestVerifyRoundTripsReferencePrice(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stub echo yields accept with the proposed price as reference", prop.ForAll(
		func(price float64, market string) bool {
			fr := &fakeRunner{reply: func(payload string) (runner.Result, error) {
				var req domain.ValidationRequest
				if err := json.Unmarshal([]byte(payload), &req); err != nil {
					return runner.Result{}, err
				}
				out, _ := json.Marshal(map[string]any{
					"status":             "accept",
					"market_modal_price": req.VendorPrice,
					"market":             req.Market,
				})
				return runner.Result{Stdout: out}, nil
			}}
			req := patnaWheat
			req.VendorPrice = price
			req.Market = market
			v, err := New(fr, "price_model.py").Verify(context.Background(), req)
			if err != nil || !v.Accepted() || v.ReferencePrice == nil {
				return false
			}
			return *v.ReferencePrice == price && v.Fields["market"] == market
		},
		gen.Float64Range(0.01, 1e7),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestVerifyRejectCarriesReason(t *testing.T) {
	fr := &fakeRunner{reply: replyWith(`{"status":"reject","reason":"Price 40% above modal","market_modal_price":1500,"zscore":2.7}`, 0)}

	v, err := New(fr, "price_model.py").Verify(context.Background(), patnaWheat)
	require.NoError(t, err)
	require.False(t, v.Accepted())
	require.Equal(t, "reject", v.RawStatus)
	require.Equal(t, "Price 40% above modal", v.ReasonOr("fallback"))
	require.Equal(t, 1500.0, *v.ReferencePrice)
	require.Equal(t, 2.7, v.Fields["zscore"])
}

func TestVerifyToleratesNonzeroExitWithVerdict(t *testing.T) {
	fr := &fakeRunner{reply: replyWith("\n  {\"status\":\"accept\",\"marketModalPrice\":2000}\n", 1)}

	v, err := New(fr, "price_model.py").Verify(context.Background(), patnaWheat)
	require.NoError(t, err)
	require.True(t, v.Accepted())
	require.Equal(t, 2000.0, *v.ReferencePrice)
}

func TestVerifyMalformedOutputIsProtocolError(t *testing.T) {
	cases := map[string]string{
		"not json":        "not json",
		"empty":           "   \n",
		"array":           `[{"status":"accept"}]`,
		"null":            "null",
		"missing status":  `{"reason":"no status"}`,
		"wrong type":      `{"status":"accept","market_modal_price":"2000"}`,
		"trailing output": `{"status":"accept"} {"status":"reject"}`,
	}
	for name, stdout := range cases {
		t.Run(name, func(t *testing.T) {
			fr := &fakeRunner{reply: replyWith(stdout, 0)}
			_, err := New(fr, "price_model.py").Verify(context.Background(), patnaWheat)
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			var execErr *runner.ExecutionError
			require.False(t, errors.As(err, &execErr))
			require.Contains(t, err.Error(), "invalid verdict encoding")
		})
	}
}

func TestVerifyPropagatesExecutionError(t *testing.T) {
	fr := &fakeRunner{reply: func(string) (runner.Result, error) {
		return runner.Result{}, &runner.ExecutionError{NoneLaunched: true, Err: runner.ErrNoExecutor}
	}}
	_, err := New(fr, "price_model.py").Verify(context.Background(), patnaWheat)
	var execErr *runner.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, runner.ErrNoExecutor)
	require.Equal(t, 1, fr.calls)
}

func TestVerifyWrapsForeignRunnerErrors(t *testing.T) {
	fr := &fakeRunner{reply: func(string) (runner.Result, error) {
		return runner.Result{}, fmt.Errorf("sandbox refused")
	}}
	_, err := New(fr, "price_model.py").Verify(context.Background(), patnaWheat)
	var execErr *runner.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, err.Error(), "sandbox refused")
}

func TestVerifyAppliesTimeout(t *testing.T) {
	fr := &fakeRunner{reply: replyWith(`{"status":"accept"}`, 0)}
	inv := New(fr, "price_model.py")
	inv.Timeout = time.Minute

	_, err := inv.Verify(context.Background(), patnaWheat)
	require.NoError(t, err)
	_, hasDeadline := fr.ctx.Deadline()
	require.True(t, hasDeadline)
}

func TestVerifyThroughResolver(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skip on windows: stub executors are shell scripts")
	}
	dir := t.TempDir()
	engine := filepath.Join(dir, "python3")
	// Echo the payload back inside the verdict, warn on stderr and exit non-zero.
	body := "#!/bin/sh\n" +
		`[ "$2" = "check" ] || exit 9` + "\n" +
		`printf '{"status":"accept","market_modal_price":2050,"echo":%s}' "$3"` + "\n" +
		"echo 'UserWarning: sklearn version' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(engine, []byte(body), 0o755))

	inv := New(runner.New(filepath.Join(dir, "python"), engine), "price_model.py")
	v, err := inv.Verify(context.Background(), patnaWheat)
	require.NoError(t, err)
	require.True(t, v.Accepted())
	require.Equal(t, 2050.0, *v.ReferencePrice)
	echo, ok := v.Fields["echo"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Patna Market", echo["market"])
	require.Equal(t, 2100.0, echo["vendor_price"])
}
