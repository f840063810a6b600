package approval

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerListAndDecide(t *testing.T) {
	q := NewQueue()
	rec := q.Submit("sess-1", "AAPL",
		map[string]any{"recommendation": "强烈买入", "confidence": 0.95},
		[]MatchedRule{{Name: "strong_recommendation", Reason: "强烈建议需确认"}},
		time.Minute)
	srv := httptest.NewServer(Handler(q))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/approvals")
	if err != nil {
		t.Fatalf("GET /approvals: %v", err)
	}
	var pending []Record
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("pending = %+v", pending)
	}

	resp, err = http.Post(srv.URL+"/approvals/"+rec.ID+"/decision", "application/json",
		strings.NewReader(`{"decision":"approve","comment":"确认执行"}`))
	if err != nil {
		t.Fatalf("POST decision: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decided Record
	if err := json.NewDecoder(resp.Body).Decode(&decided); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if decided.Outcome != OutcomeApproved || decided.Comment != "确认执行" || decided.DecidedVia != "web" {
		t.Fatalf("decided = %+v", decided)
	}
}

func TestHandlerModifyRequiresPayload(t *testing.T) {
	q := NewQueue()
	rec := q.Submit("sess-1", "AAPL", map[string]any{"recommendation": "强烈买入"}, nil, time.Minute)
	srv := httptest.NewServer(Handler(q))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/approvals/"+rec.ID+"/decision", "application/json",
		strings.NewReader(`{"decision":"modify"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/approvals/"+rec.ID+"/decision", "application/json",
		strings.NewReader(`{"decision":"modify","modified_result":{"recommendation":"持有"}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	stored, _ := q.Lookup(rec.ID)
	if stored.Outcome != OutcomeModified || stored.Modified["recommendation"] != "持有" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestHandlerErrors(t *testing.T) {
	q := NewQueue()
	rec := q.Submit("sess-1", "AAPL", map[string]any{}, nil, time.Minute)
	srv := httptest.NewServer(Handler(q))
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	post := func(path, body string) int {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/approvals/missing"); code != http.StatusNotFound {
		t.Fatalf("unknown record: %d", code)
	}
	if code := post("/approvals/missing/decision", `{"decision":"approve"}`); code != http.StatusNotFound {
		t.Fatalf("decide unknown: %d", code)
	}
	if code := post("/approvals/"+rec.ID+"/decision", `{"decision":"escalate"}`); code != http.StatusBadRequest {
		t.Fatalf("bad decision: %d", code)
	}
	if code := post("/approvals/"+rec.ID+"/decision", `not json`); code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", code)
	}
	if code := post("/approvals/"+rec.ID+"/decision", `{"decision":"reject"}`); code != http.StatusOK {
		t.Fatalf("reject: %d", code)
	}
	if code := post("/approvals/"+rec.ID+"/decision", `{"decision":"approve"}`); code != http.StatusConflict {
		t.Fatalf("double decide: %d", code)
	}
}
