package task

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:     true,
		{StatusPending, StatusCancelled}:   true,
		{StatusRunning, StatusCompleted}:   true,
		{StatusRunning, StatusRetrying}:    true,
		{StatusRunning, StatusFailed}:      true,
		{StatusRetrying, StatusRunning}:    true,
		{StatusRetrying, StatusCancelled}:  true,
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	for _, from := range Statuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range Statuses {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s has outgoing edge to %s", from, to)
			}
		}
	}
}

func TestClaimable(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusPending || s == StatusRetrying
		if got := s.Claimable(); got != want {
			t.Errorf("%s.Claimable() = %v, want %v", s, got, want)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Email ")
	if err != nil {
		t.Fatalf("ParseKind: %v", err)
	}
	if k != KindEmail {
		t.Errorf("ParseKind = %q, want %q", k, KindEmail)
	}

	_, err = ParseKind("fax")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ParseKind(fax) error = %v, want *ValidationError", err)
	}
	if ve.Field != "action_type" {
		t.Errorf("Field = %q, want %q", ve.Field, "action_type")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("RETRYING"); err != nil || s != StatusRetrying {
		t.Errorf("ParseStatus(RETRYING) = %q, %v", s, err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Error("ParseStatus(paused) should fail")
	}
}

func TestParamsInt(t *testing.T) {
	p := Params{"a": float64(42), "b": "7", "c": 1.5, "d": true}

	if n, ok, err := p.Int("a"); err != nil || !ok || n != 42 {
		t.Errorf("Int(a) = %d, %v, %v", n, ok, err)
	}
	if n, ok, err := p.Int("b"); err != nil || !ok || n != 7 {
		t.Errorf("Int(b) = %d, %v, %v", n, ok, err)
	}
	if _, ok, err := p.Int("c"); err == nil || !ok {
		t.Errorf("Int(c) should fail for a fractional value")
	}
	if _, ok, err := p.Int("d"); err == nil || !ok {
		t.Errorf("Int(d) should fail for a bool")
	}
	if _, ok, err := p.Int("missing"); err != nil || ok {
		t.Errorf("Int(missing) = ok %v, err %v", ok, err)
	}
}

func TestParamsString(t *testing.T) {
	p := Params{"to": "  a@b.io ", "n": 3}
	if got := p.String("to"); got != "a@b.io" {
		t.Errorf("String(to) = %q", got)
	}
	if got := p.String("n"); got != "" {
		t.Errorf("String(n) = %q, want empty", got)
	}
}

func TestReportHidesNextAttemptForTerminal(t *testing.T) {
	r := Record{Action: Action{ID: "t1", Status: StatusCompleted}}
	if rep := r.Report(); rep.NextAttemptAt != nil {
		t.Error("completed task should not report a next attempt time")
	}
	r.Status = StatusRetrying
	if rep := r.Report(); rep.NextAttemptAt == nil {
		t.Error("retrying task should report a next attempt time")
	}
}
