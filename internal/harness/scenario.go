package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/hcsagent/internal/router"
	"github.com/roach88/hcsagent/internal/wire"
)

// Scenario describes one agent run: its configuration, the messages that
// arrive cycle by cycle, and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	AgentID        string   `yaml:"agent_id"`
	Topics         []string `yaml:"topics"`
	ResponderTopic string   `yaml:"responder_topic,omitempty"`

	// Peers are topics created up front so acknowledgments and broadcasts
	// have somewhere to go.
	Peers []string `yaml:"peers,omitempty"`

	Treasury map[string]int64 `yaml:"treasury,omitempty"`

	// Redeliver makes the transport return already-delivered messages on
	// every poll.
	Redeliver bool `yaml:"redeliver,omitempty"`

	Cycles     []Cycle     `yaml:"cycles"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Cycle is a batch of messages followed by one poll cycle.
type Cycle struct {
	// Restart rebuilds the runtime from persisted state before polling.
	Restart  bool   `yaml:"restart,omitempty"`
	Messages []Step `yaml:"messages"`
}

// Step is one inbound message. Raw is published verbatim; otherwise an
// envelope is built from the remaining fields.
type Step struct {
	Topic string `yaml:"topic"`
	Raw   string `yaml:"raw,omitempty"`

	Protocol    string         `yaml:"protocol,omitempty"`
	Operation   string         `yaml:"operation,omitempty"`
	Peer        string         `yaml:"peer,omitempty"`
	ResponderID string         `yaml:"responder_id,omitempty"`
	Timestamp   int64          `yaml:"timestamp,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`

	// Expect is the terminal state the message must reach. Empty skips the check.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion checks the final state or the trace of a run.
type Assertion struct {
	Type string `yaml:"type"`

	Count *int `yaml:"count,omitempty"`

	Topic    string           `yaml:"topic,omitempty"`
	Label    string           `yaml:"label,omitempty"`
	Kind     string           `yaml:"kind,omitempty"`
	Peers    []string         `yaml:"peers,omitempty"`
	IDs      []string         `yaml:"ids,omitempty"`
	Proposal string           `yaml:"proposal,omitempty"`
	Balances map[string]int64 `yaml:"post_balances,omitempty"`
	Seq      *int64           `yaml:"seq,omitempty"`
	Status   string           `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertConnections = "connections"
	AssertPending     = "pending"
	AssertExecuted    = "executed"
	AssertSent        = "sent"
	AssertEvents      = "events"
	AssertDispatches  = "dispatches"
	AssertCursor      = "cursor"
	AssertHealth      = "health"
)

var assertionTypes = []string{
	AssertConnections, AssertPending, AssertExecuted, AssertSent,
	AssertEvents, AssertDispatches, AssertCursor, AssertHealth,
}

var terminalStates = []string{
	string(router.Ignored), string(router.Acknowledged), string(router.Stored),
	string(router.Broadcast), string(router.Rejected), string(router.Malformed),
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Topics) == 0 {
		return fmt.Errorf("topics list is required and must be non-empty")
	}
	if len(s.Cycles) == 0 {
		return fmt.Errorf("cycles list is required and must be non-empty")
	}

	for i, c := range s.Cycles {
		for j, step := range c.Messages {
			where := fmt.Sprintf("cycles[%d].messages[%d]", i, j)
			if step.Topic == "" {
				return fmt.Errorf("%s: topic is required", where)
			}
			if step.Raw == "" && step.Operation == "" && step.Payload == nil && step.Protocol == "" {
				return fmt.Errorf("%s: one of raw, operation, protocol or payload is required", where)
			}
			if step.Raw != "" && (step.Operation != "" || step.Payload != nil) {
				return fmt.Errorf("%s: raw cannot be combined with operation or payload", where)
			}
			if step.Expect != "" && !slices.Contains(terminalStates, step.Expect) {
				return fmt.Errorf("%s: unknown expected state %q", where, step.Expect)
			}
		}
	}

	for i, a := range s.Assertions {
		if !slices.Contains(assertionTypes, a.Type) {
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}

// contents renders the step as the bytes published on its topic.
func (s Step) contents() ([]byte, error) {
	if s.Raw != "" {
		return []byte(s.Raw), nil
	}

	env := wire.Envelope{
		Protocol:    s.Protocol,
		Operation:   wire.Operation(s.Operation),
		PeerLocator: s.Peer,
		ResponderID: s.ResponderID,
		Timestamp:   s.Timestamp,
	}
	if env.Protocol == "" {
		env.Protocol = wire.Protocol
	}
	if s.Payload != nil {
		if env.Operation == "" {
			env.Operation = wire.OpMessage
		}
		data, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Data = string(data)
	}
	return wire.Marshal(env)
}
