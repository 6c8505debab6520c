// Package iptables drives the real iptables binary to redirect TCP traffic
// destined to a stolen port into the stealer's local listener. Requires the
// iptables command to be installed and NET_ADMIN capabilities.
package iptables

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimbustrap/steal/internal/runtime"
)

// Rule is a single iptables rule, scoped to a table and chain.
type Rule struct {
	Table string
	Chain string
	Args  string
}

// Iptables runs commands against the live ruleset through an Executor.
type Iptables interface {
	// Add inserts r into the live ruleset.
	Add(r Rule) error
	// Remove deletes r from the live ruleset. Removing a rule that was never
	// added is an error, mirroring the real iptables -D behavior.
	Remove(r Rule) error
	// NewChain creates a user-defined chain in table.
	NewChain(table, chain string) error
	// FlushAndDeleteChain flushes then deletes a user-defined chain. The
	// chain must have no remaining jumps into it.
	FlushAndDeleteChain(table, chain string) error
}

type iptables struct {
	executor runtime.Executor
}

// New returns an Iptables that shells out to the iptables binary via executor.
func New(executor runtime.Executor) Iptables {
	return &iptables{executor: executor}
}

func (i *iptables) Add(r Rule) error {
	return i.run(r.Table, "-A", r.Chain, strings.Fields(r.Args)...)
}

func (i *iptables) Remove(r Rule) error {
	return i.run(r.Table, "-D", r.Chain, strings.Fields(r.Args)...)
}

func (i *iptables) NewChain(table, chain string) error {
	return i.run(table, "-N", chain)
}

func (i *iptables) FlushAndDeleteChain(table, chain string) error {
	if err := i.run(table, "-F", chain); err != nil {
		return err
	}

	return i.run(table, "-X", chain)
}

func (i *iptables) run(table, action, chain string, extra ...string) error {
	args := append([]string{"-t", table, action, chain}, extra...)

	out, err := i.executor.Exec("iptables", args...)
	if err != nil {
		return fmt.Errorf("iptables -t %s %s %s: %w: %s", table, action, chain, err, string(out))
	}

	return nil
}

// RuleSet tracks a set of rules added through an Iptables so they can all be
// removed together, in reverse order, with Remove.
type RuleSet struct {
	ipt   Iptables
	rules []Rule
}

// NewRuleSet returns an empty RuleSet bound to ipt.
func NewRuleSet(ipt Iptables) *RuleSet {
	return &RuleSet{ipt: ipt}
}

// Add adds r and remembers it for later removal.
func (rs *RuleSet) Add(r Rule) error {
	if err := rs.ipt.Add(r); err != nil {
		return err
	}

	rs.rules = append(rs.rules, r)

	return nil
}

// RemoveOne removes r and prunes the first matching entry from rs.rules, so
// a rule removed individually is not removed a second time when Remove is
// later called to tear down the rest of the set.
func (rs *RuleSet) RemoveOne(r Rule) error {
	if err := rs.ipt.Remove(r); err != nil {
		return err
	}

	for n, tracked := range rs.rules {
		if tracked == r {
			rs.rules = append(rs.rules[:n], rs.rules[n+1:]...)
			break
		}
	}

	return nil
}

// Remove removes every rule added so far, in reverse order, and clears the
// set. Errors are aggregated; removal of every rule is attempted regardless
// of earlier failures, since each removal is independent and an unrelated
// failure should not leave the rest of the rules stuck behind.
func (rs *RuleSet) Remove() error {
	var errs []error

	for n := len(rs.rules) - 1; n >= 0; n-- {
		if err := rs.ipt.Remove(rs.rules[n]); err != nil {
			errs = append(errs, err)
		}
	}

	rs.rules = nil

	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}

	return fmt.Errorf("removing rules: %s", strings.Join(msgs, "; "))
}

// Chain is the name of the dedicated nat chain the stealer redirects
// traffic through. Using a dedicated chain instead of inserting directly
// into PREROUTING keeps all of the stealer's rules easy to locate and flush
// as a unit, and avoids colliding with unrelated nat rules already present
// on the node.
const Chain = "STEALER_REDIRECT"

// natTable is the iptables table holding REDIRECT targets.
const natTable = "nat"

// Guard owns the lifecycle of the dedicated chain and the per-port redirect
// rules added to it. It is created lazily on the first port subscription
// and torn down once the last one is removed, so an agent that is never
// asked to steal anything never touches the host's iptables rules at all.
type Guard struct {
	ipt   Iptables
	ports *RuleSet
}

// NewGuard returns a Guard that has not yet created the dedicated chain.
func NewGuard(ipt Iptables) *Guard {
	return &Guard{ipt: ipt}
}

// Open creates the dedicated chain and jumps PREROUTING traffic into it.
// Callers must pair every Open with exactly one matching Close; Open is not
// safe to call a second time before Close runs.
func (g *Guard) Open() error {
	if err := g.ipt.NewChain(natTable, Chain); err != nil {
		return fmt.Errorf("creating chain %s: %w", Chain, err)
	}

	g.ports = NewRuleSet(g.ipt)

	jump := Rule{Table: natTable, Chain: "PREROUTING", Args: "-j " + Chain}
	if err := g.ports.Add(jump); err != nil {
		return fmt.Errorf("jumping PREROUTING to %s: %w", Chain, err)
	}

	return nil
}

// Redirect adds a rule redirecting traffic bound for port to proxyPort.
func (g *Guard) Redirect(port, proxyPort uint16) error {
	return g.ports.Add(redirectRule(port, proxyPort))
}

// StopRedirect removes the redirect rule for port, pruning it from the
// tracked rule set so Close does not try to remove it again.
func (g *Guard) StopRedirect(port, proxyPort uint16) error {
	return g.ports.RemoveOne(redirectRule(port, proxyPort))
}

func redirectRule(port, proxyPort uint16) Rule {
	return Rule{
		Table: natTable,
		Chain: Chain,
		Args:  fmt.Sprintf("-p tcp --dport %s -j REDIRECT --to-ports %s", strconv.Itoa(int(port)), strconv.Itoa(int(proxyPort))),
	}
}

// Close removes every rule the Guard added, including the PREROUTING jump,
// and flushes and deletes the dedicated chain. Safe to call once, after the
// last port subscription has been removed.
func (g *Guard) Close() error {
	if g.ports == nil {
		return nil
	}

	removeErr := g.ports.Remove()
	g.ports = nil

	if err := g.ipt.FlushAndDeleteChain(natTable, Chain); err != nil {
		if removeErr != nil {
			return fmt.Errorf("%v; deleting chain %s: %w", removeErr, Chain, err)
		}

		return fmt.Errorf("deleting chain %s: %w", Chain, err)
	}

	return removeErr
}
