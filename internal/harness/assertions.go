package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/registry"
)

// view is the read side of a runtime that assertions inspect.
type view interface {
	Connections() []registry.Connection
	Pending() []ledger.PendingProposal
	Executed() []ledger.ExecutedProposal
	Cursor(topic string) int64
	Health() observability.HealthSnapshot
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	return buf.String()
}

func evaluate(a Assertion, v view, trace []TraceEvent) error {
	switch a.Type {
	case AssertConnections:
		return assertConnections(a, v.Connections())
	case AssertPending:
		return assertPending(a, v.Pending())
	case AssertExecuted:
		return assertExecuted(a, v.Executed())
	case AssertSent:
		return assertCount(a, countTrace(trace, func(e TraceEvent) bool {
			return e.Type == TypeSend && e.Topic == a.Topic && (a.Label == "" || e.Label == a.Label)
		}))
	case AssertEvents:
		return assertCount(a, countTrace(trace, func(e TraceEvent) bool {
			return e.Type == TypeEvent && e.Kind == a.Kind
		}))
	case AssertDispatches:
		return assertCount(a, countTrace(trace, func(e TraceEvent) bool {
			return e.Type == TypeDispatch
		}))
	case AssertCursor:
		if a.Seq == nil {
			return fmt.Errorf("cursor assertion needs seq")
		}
		if got := v.Cursor(a.Topic); got != *a.Seq {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s at %d", a.Topic, *a.Seq), Actual: fmt.Sprint(got)}
		}
		return nil
	case AssertHealth:
		if got := v.Health().Status; got != a.Status {
			return &AssertionError{Type: a.Type, Expected: a.Status, Actual: got}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertConnections(a Assertion, conns []registry.Connection) error {
	if err := assertCount(a, len(conns)); err != nil {
		return err
	}
	if a.Peers == nil {
		return nil
	}
	got := make([]string, len(conns))
	for i, c := range conns {
		got[i] = c.PeerTopicID
	}
	if !slices.Equal(got, a.Peers) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Peers), Actual: fmt.Sprint(got)}
	}
	return nil
}

func assertPending(a Assertion, pending []ledger.PendingProposal) error {
	if err := assertCount(a, len(pending)); err != nil {
		return err
	}
	if a.IDs == nil {
		return nil
	}
	got := make([]string, len(pending))
	for i, p := range pending {
		got[i] = p.ID
	}
	if !slices.Equal(got, a.IDs) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.IDs), Actual: fmt.Sprint(got)}
	}
	return nil
}

func assertExecuted(a Assertion, executed []ledger.ExecutedProposal) error {
	if err := assertCount(a, len(executed)); err != nil {
		return err
	}
	if a.Proposal == "" {
		return nil
	}
	for _, e := range executed {
		if e.ProposalID != a.Proposal {
			continue
		}
		if a.Balances != nil && !maps.Equal(map[string]int64(e.PostBalances), a.Balances) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s post balances %v", a.Proposal, a.Balances),
				Actual:   fmt.Sprint(map[string]int64(e.PostBalances)),
			}
		}
		return nil
	}
	return &AssertionError{Type: a.Type, Expected: "execution of " + a.Proposal, Actual: "not executed"}
}

// assertCount passes when the assertion carries no count.
func assertCount(a Assertion, got int) error {
	if a.Count == nil || *a.Count == got {
		return nil
	}
	subject := a.Type
	switch {
	case a.Topic != "" && a.Label != "":
		subject = fmt.Sprintf("%s %s to %s", a.Type, a.Label, a.Topic)
	case a.Topic != "":
		subject = fmt.Sprintf("%s to %s", a.Type, a.Topic)
	case a.Kind != "":
		subject = fmt.Sprintf("%s %s", a.Type, a.Kind)
	}
	return &AssertionError{Type: subject, Expected: fmt.Sprintf("count %d", *a.Count), Actual: fmt.Sprintf("count %d", got)}
}

func countTrace(trace []TraceEvent, match func(TraceEvent) bool) int {
	n := 0
	for _, e := range trace {
		if match(e) {
			n++
		}
	}
	return n
}
