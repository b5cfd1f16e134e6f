package clients

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MinRequests:  2,
		FailureRatio: 1.0,
		Timeout:      time.Hour,
		OnStateChange: func(name string, from, to CircuitBreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	boom := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
	}

	// Circuit is open now: the call fails fast without running fn.
	ran := false
	_, err := cb.Execute(func() (any, error) {
		ran = true
		return nil, nil
	})
	if err == nil || ran {
		t.Fatalf("err = %v, ran = %v, want fast failure", err, ran)
	}
	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestCircuitBreakerPassesThroughResults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	out, err := cb.Execute(func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatal(err)
	}
	if out.(int) != 42 {
		t.Fatalf("out = %v", out)
	}
}
