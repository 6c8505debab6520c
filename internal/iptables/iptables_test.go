package iptables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nimbustrap/steal/internal/runtime"
)

func Test_Iptables(t *testing.T) {
	t.Parallel()

	anError := errors.New("an error occurred")

	for _, tc := range []struct {
		name             string
		testFunc         func(Iptables) error
		execError        error
		expectedCommands []string
		expectedError    error
	}{
		{
			name: "adds rule",
			testFunc: func(i Iptables) error {
				return i.Add(Rule{Table: "nat", Chain: "ECHO", Args: "-p tcp --dport 80 -j REDIRECT --to-port 90"})
			},
			expectedCommands: []string{
				"iptables -t nat -A ECHO -p tcp --dport 80 -j REDIRECT --to-port 90",
			},
		},
		{
			name: "removes rule",
			testFunc: func(i Iptables) error {
				return i.Remove(Rule{Table: "nat", Chain: "ECHO", Args: "-p tcp --dport 80 -j REDIRECT --to-port 90"})
			},
			expectedCommands: []string{
				"iptables -t nat -D ECHO -p tcp --dport 80 -j REDIRECT --to-port 90",
			},
		},
		{
			name: "creates chain",
			testFunc: func(i Iptables) error {
				return i.NewChain("nat", "STEALER_REDIRECT")
			},
			expectedCommands: []string{
				"iptables -t nat -N STEALER_REDIRECT",
			},
		},
		{
			name: "flushes and deletes chain",
			testFunc: func(i Iptables) error {
				return i.FlushAndDeleteChain("nat", "STEALER_REDIRECT")
			},
			expectedCommands: []string{
				"iptables -t nat -F STEALER_REDIRECT",
				"iptables -t nat -X STEALER_REDIRECT",
			},
		},
		{
			name: "propagates error",
			testFunc: func(i Iptables) error {
				return i.Remove(Rule{Table: "nat", Chain: "ECHO", Args: "-j REDIRECT"})
			},
			execError:     anError,
			expectedError: anError,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fakeExec := runtime.NewFakeExecutor(nil, tc.execError)
			ipt := New(fakeExec)

			err := tc.testFunc(ipt)
			if !errors.Is(err, tc.expectedError) {
				t.Fatalf("expected error %v, got %v", tc.expectedError, err)
			}

			if tc.expectedCommands != nil {
				if diff := cmp.Diff(tc.expectedCommands, fakeExec.CmdHistory()); diff != "" {
					t.Fatalf("commands do not match expected (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func Test_RuleSetAddsRemovesRules(t *testing.T) {
	t.Parallel()

	exec := runtime.NewFakeExecutor(nil, nil)
	ruleset := NewRuleSet(New(exec))

	if err := ruleset.Add(Rule{Table: "nat", Chain: "CHAIN1", Args: "--dport 80"}); err != nil {
		t.Fatalf("adding rule: %v", err)
	}

	if err := ruleset.Add(Rule{Table: "nat", Chain: "CHAIN2", Args: "--dport 81"}); err != nil {
		t.Fatalf("adding rule: %v", err)
	}

	expectedAdd := []string{
		"iptables -t nat -A CHAIN1 --dport 80",
		"iptables -t nat -A CHAIN2 --dport 81",
	}
	if diff := cmp.Diff(expectedAdd, exec.CmdHistory()); diff != "" {
		t.Fatalf("add commands do not match expected (-want +got):\n%s", diff)
	}

	exec.Reset()

	if err := ruleset.Remove(); err != nil {
		t.Fatalf("removing rules: %v", err)
	}

	expectedRemove := []string{
		"iptables -t nat -D CHAIN2 --dport 81",
		"iptables -t nat -D CHAIN1 --dport 80",
	}
	if diff := cmp.Diff(expectedRemove, exec.CmdHistory()); diff != "" {
		t.Fatalf("remove commands do not match expected (-want +got):\n%s", diff)
	}
}

func Test_RuleSetRemoveOnePrunesTrackedRule(t *testing.T) {
	t.Parallel()

	exec := runtime.NewFakeExecutor(nil, nil)
	ruleset := NewRuleSet(New(exec))

	r1 := Rule{Table: "nat", Chain: "CHAIN1", Args: "--dport 80"}
	r2 := Rule{Table: "nat", Chain: "CHAIN2", Args: "--dport 81"}

	if err := ruleset.Add(r1); err != nil {
		t.Fatalf("adding rule: %v", err)
	}
	if err := ruleset.Add(r2); err != nil {
		t.Fatalf("adding rule: %v", err)
	}

	exec.Reset()

	if err := ruleset.RemoveOne(r1); err != nil {
		t.Fatalf("removing rule: %v", err)
	}

	exec.Reset()

	if err := ruleset.Remove(); err != nil {
		t.Fatalf("removing remaining rules: %v", err)
	}

	expected := []string{
		"iptables -t nat -D CHAIN2 --dport 81",
	}
	if diff := cmp.Diff(expected, exec.CmdHistory()); diff != "" {
		t.Fatalf("commands do not match expected (-want +got):\n%s", diff)
	}
}

func Test_GuardOpenRedirectClose(t *testing.T) {
	t.Parallel()

	exec := runtime.NewFakeExecutor(nil, nil)
	guard := NewGuard(New(exec))

	if err := guard.Open(); err != nil {
		t.Fatalf("opening guard: %v", err)
	}

	if err := guard.Redirect(8080, 9999); err != nil {
		t.Fatalf("adding redirect: %v", err)
	}

	expected := []string{
		"iptables -t nat -N STEALER_REDIRECT",
		"iptables -t nat -A PREROUTING -j STEALER_REDIRECT",
		"iptables -t nat -A STEALER_REDIRECT -p tcp --dport 8080 -j REDIRECT --to-ports 9999",
	}
	if diff := cmp.Diff(expected, exec.CmdHistory()); diff != "" {
		t.Fatalf("commands do not match expected (-want +got):\n%s", diff)
	}

	exec.Reset()

	if err := guard.StopRedirect(8080, 9999); err != nil {
		t.Fatalf("removing redirect: %v", err)
	}

	if err := guard.Close(); err != nil {
		t.Fatalf("closing guard: %v", err)
	}

	expectedTeardown := []string{
		"iptables -t nat -D STEALER_REDIRECT -p tcp --dport 8080 -j REDIRECT --to-ports 9999",
		"iptables -t nat -D PREROUTING -j STEALER_REDIRECT",
		"iptables -t nat -F STEALER_REDIRECT",
		"iptables -t nat -X STEALER_REDIRECT",
	}
	if diff := cmp.Diff(expectedTeardown, exec.CmdHistory()); diff != "" {
		t.Fatalf("teardown commands do not match expected (-want +got):\n%s", diff)
	}
}

func Test_GuardCloseWithoutOpenIsNoop(t *testing.T) {
	t.Parallel()

	exec := runtime.NewFakeExecutor(nil, nil)
	guard := NewGuard(New(exec))

	if err := guard.Close(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if exec.Invoked() {
		t.Fatalf("expected no commands to run, got %v", exec.CmdHistory())
	}
}
