package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

func TestHTTPOracle(t *testing.T) {
	var gotAuth string
	var gotBody inferenceRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"risk_score": 82.4, "status": "blocked", "fraud_indicators": ["new device"], "explanation": "Unusual device and amount"}`))
	}))
	defer server.Close()

	o, err := NewHTTPOracle(domain.OracleConfig{Endpoint: server.URL, APIKey: "secret", Model: "risk-v2"})
	if err != nil {
		t.Fatalf("NewHTTPOracle failed: %v", err)
	}

	a, err := o.Evaluate(context.Background(), request(12000, 1))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer key, got %q", gotAuth)
	}
	if gotBody.Model != "risk-v2" || gotBody.Request == nil || gotBody.ResponseSchema == nil {
		t.Errorf("unexpected request body %+v", gotBody)
	}
	if gotBody.Request.Transaction.Amount != 12000 {
		t.Errorf("expected amount to be forwarded, got %v", gotBody.Request.Transaction.Amount)
	}
	if a.RiskScore == nil || *a.RiskScore != 82.4 {
		t.Errorf("unexpected risk score %v", a.RiskScore)
	}
	if a.Status != domain.StatusBlocked || a.Explanation == "" || len(a.FraudIndicators) != 1 {
		t.Errorf("unexpected assessment %+v", a)
	}
}

func TestHTTPOracleErrors(t *testing.T) {
	t.Run("MissingEndpoint", func(t *testing.T) {
		if _, err := NewHTTPOracle(domain.OracleConfig{}); err == nil {
			t.Error("expected error without endpoint")
		}
	})

	t.Run("Non2xx", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		o, _ := NewHTTPOracle(domain.OracleConfig{Endpoint: server.URL})
		if _, err := o.Evaluate(context.Background(), request(100, 1)); err == nil {
			t.Error("expected error for 503")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`risk is high`))
		}))
		defer server.Close()

		o, _ := NewHTTPOracle(domain.OracleConfig{Endpoint: server.URL})
		if _, err := o.Evaluate(context.Background(), request(100, 1)); err == nil {
			t.Error("expected error for non-JSON body")
		}
	})

	t.Run("MissingScoreIsNil", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "success", "explanation": "fine"}`))
		}))
		defer server.Close()

		o, _ := NewHTTPOracle(domain.OracleConfig{Endpoint: server.URL})
		a, err := o.Evaluate(context.Background(), request(100, 1))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != nil {
			t.Errorf("expected nil score, got %v", *a.RiskScore)
		}
	})

	t.Run("ContextDeadline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		o, _ := NewHTTPOracle(domain.OracleConfig{Endpoint: server.URL})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := o.Evaluate(ctx, request(100, 1)); err == nil {
			t.Error("expected deadline error")
		}
	})
}
