package main

import (
	"testing"

	"github.com/nimbustrap/steal/internal/wire"
)

func Test_ParseSteals(t *testing.T) {
	t.Parallel()

	subs, err := parseSteals([]string{"80", "8080=^/api/"})
	if err != nil {
		t.Fatalf("parseSteals: %v", err)
	}

	want := []wire.PortSteal{
		{Port: 80},
		{Port: 8080, Filter: "^/api/"},
	}

	if len(subs) != len(want) {
		t.Fatalf("got %d subscriptions, want %d", len(subs), len(want))
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Fatalf("subscription %d = %+v, want %+v", i, subs[i], want[i])
		}
	}
}

func Test_ParseStealsRejectsInvalidPort(t *testing.T) {
	t.Parallel()

	if _, err := parseSteals([]string{"not-a-port"}); err == nil {
		t.Fatalf("expected an error for a non-numeric port")
	}
}
