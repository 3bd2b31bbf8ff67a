package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

const commandSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {"action": {"type": "string", "enum": ["ping", "halt"]}}
}`

func TestContentSchemaCheck(t *testing.T) {
	check, err := NewContentSchemaCheck(map[contracts.MessageType]string{
		contracts.MessageTypeCommand: commandSchema,
	})
	require.NoError(t, err)
	e := NewEngine(constitution.Default(), check)

	msg := validMessage()
	assert.True(t, e.Validate(msg, testSnapshot()).IsValid())

	msg.Content = json.RawMessage(`{"action":"launch"}`)
	r := e.Validate(msg, testSnapshot())
	assert.True(t, r.HasRule(RuleContentSchema))

	msg.Content = nil
	assert.True(t, e.Validate(msg, testSnapshot()).HasRule(RuleContentSchema))

	msg.MessageType = contracts.MessageTypeEvent
	assert.True(t, e.Validate(msg, testSnapshot()).IsValid(), "no schema for events")
}

func TestContentSchemaCheck_BadSchema(t *testing.T) {
	_, err := NewContentSchemaCheck(map[contracts.MessageType]string{contracts.MessageTypeCommand: `{"type": 12}`})
	assert.Error(t, err)

	_, err = NewContentSchemaCheck(map[contracts.MessageType]string{"gossip": `{}`})
	assert.Error(t, err)
}

func TestCELRuleCheck(t *testing.T) {
	check, err := NewCELRuleCheck([]CELRule{
		{Name: "low_priority_commands", Expr: `message.priority >= 1`, MessageTypes: []contracts.MessageType{contracts.MessageTypeCommand}},
		{Name: "registered_sender", Expr: `sender.registered`},
		{Name: "tagged", Expr: `"origin" in message.metadata`, Severity: SeverityWarning},
	})
	require.NoError(t, err)
	e := NewEngine(constitution.Default(), check)

	msg := validMessage()
	r := e.Validate(msg, testSnapshot())
	assert.True(t, r.IsValid(), r.Reason())
	require.Len(t, r.Warnings(), 1)
	assert.Equal(t, "tagged", r.Warnings()[0].Field)

	msg.Priority = contracts.PriorityCritical
	msg.Metadata = map[string]string{"origin": "ops"}
	r = e.Validate(msg, testSnapshot())
	assert.True(t, r.HasRule(RuleCELPolicy))
	assert.Empty(t, r.Warnings())

	msg.MessageType = contracts.MessageTypeQuery
	assert.True(t, e.Validate(msg, testSnapshot()).IsValid(), "rule scoped to commands")
}

func TestCELRuleCheck_EvalErrorFailsClosed(t *testing.T) {
	check, err := NewCELRuleCheck([]CELRule{{Name: "amount", Expr: `message.content.amount < 100.0`}})
	require.NoError(t, err)

	msg := validMessage()
	errs, _ := check.Check(msg, testSnapshot())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "could not be evaluated")

	msg.Content = json.RawMessage(`{"amount": 5}`)
	errs, _ = check.Check(msg, testSnapshot())
	assert.Empty(t, errs)
}

func TestCELRuleCheck_CompileErrors(t *testing.T) {
	_, err := NewCELRuleCheck([]CELRule{{Name: "bad", Expr: `message.priority >=`}})
	assert.Error(t, err)
	_, err = NewCELRuleCheck([]CELRule{{Expr: `true`}})
	assert.Error(t, err)
	_, err = NewCELRuleCheck([]CELRule{{Name: "x", Expr: `true`, Severity: "fatal"}})
	assert.Error(t, err)
}
