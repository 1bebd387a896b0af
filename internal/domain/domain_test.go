package domain

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) Verdict {
	t.Helper()
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestVerdictAcceptIsExact(t *testing.T) {
	if !decode(t, `{"status":"accept"}`).Accepted() {
		t.Fatalf("accept not accepted")
	}
	for _, raw := range []string{`{"status":"ACCEPT"}`, `{"status":" Accept "}`, `{"status":"accepted"}`, `{}`} {
		v := decode(t, raw)
		if v.Accepted() {
			t.Fatalf("%s accepted", raw)
		}
	}
	if got := decode(t, `{"status":"ACCEPT"}`).RawStatus; got != "ACCEPT" {
		t.Fatalf("raw status lost: %q", got)
	}
}

func TestVerdictPrefersSnakeCaseModalPrice(t *testing.T) {
	for i := 0; i < 50; i++ {
		v := decode(t, `{"status":"accept","market_modal_price":2000,"marketModalPrice":1500}`)
		if v.ReferencePrice == nil || *v.ReferencePrice != 2000 {
			t.Fatalf("unexpected reference price %v", v.ReferencePrice)
		}
		if v.Fields["marketModalPrice"] != 1500.0 {
			t.Fatalf("unused key dropped: %v", v.Fields)
		}
		if _, ok := v.Fields["market_modal_price"]; ok {
			t.Fatalf("used key duplicated in fields: %v", v.Fields)
		}
	}
}

func TestVerdictFallsBackToCamelCaseModalPrice(t *testing.T) {
	v := decode(t, `{"status":"reject","reason":"too high","marketModalPrice":1500,"band":"high"}`)
	if v.ReferencePrice == nil || *v.ReferencePrice != 1500 {
		t.Fatalf("unexpected reference price %v", v.ReferencePrice)
	}
	if _, ok := v.Fields["marketModalPrice"]; ok {
		t.Fatalf("used key duplicated in fields: %v", v.Fields)
	}
	if v.ReasonOr("x") != "too high" || v.Fields["band"] != "high" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}
