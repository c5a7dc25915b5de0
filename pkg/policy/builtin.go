package policy

import (
	"time"
)

// BuiltinModules returns the modules every engine starts with.
func BuiltinModules() []Module {
	return []Module{
		constraintsModule(),
	}
}

// constraintsModule implements constraint semantics for permissions and prohibitions.
func constraintsModule() Module {
	return Module{
		Name:        "constraints",
		Description: "Evaluates permission and prohibition constraints (inForceDate, counterparty, attributes)",
		Severity:    SeverityError,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package connector.policy.constraints

import rego.v1

# Every permission constraint must hold.
deny contains msg if {
	some i, j
	c := input.policy.permissions[i].constraints[j]
	not satisfied(c)
	msg := sprintf("permission %d (%s): constraint %s %s %s not satisfied", [i, input.policy.permissions[i].action, c.leftOperand, c.operator, c.rightOperand])
}

# A prohibition applies when all of its constraints hold.
deny contains msg if {
	some i
	p := input.policy.prohibitions[i]
	every c in object.get(p, "constraints", []) {
		satisfied(c)
	}
	msg := sprintf("prohibition %d: action %s is prohibited", [i, p.action])
}

satisfied(c) if compare(lower(c.operator), left_value(c), right_value(c))

party_operands := {"counterPartyId", "participantId"}

builtin_operand(name) if name == "inForceDate"

builtin_operand(name) if name in party_operands

left_value(c) := input.context.now_ns if c.leftOperand == "inForceDate"

left_value(c) := input.context.counter_party_id if {
	c.leftOperand in party_operands
	input.context.counter_party_id != ""
}

left_value(c) := input.context.attributes[c.leftOperand] if not builtin_operand(c.leftOperand)

right_value(c) := time.parse_rfc3339_ns(c.rightOperand) if {
	c.leftOperand == "inForceDate"
	not startswith(c.rightOperand, "contractAgreement")
}

right_value(c) := input.context.agreement_start_ns + time.parse_duration_ns(trim_prefix(c.rightOperand, "contractAgreement+")) if {
	c.leftOperand == "inForceDate"
	startswith(c.rightOperand, "contractAgreement+")
	input.context.agreement_start_ns > 0
}

right_value(c) := c.rightOperand if c.leftOperand != "inForceDate"

compare("eq", l, r) if l == r

compare("neq", l, r) if l != r

compare("gt", l, r) if l > r

compare("geq", l, r) if l >= r

compare("lt", l, r) if l < r

compare("leq", l, r) if l <= r

compare("in", l, r) if l in [trim_space(x) | some x in split(r, ",")]
`,
	}
}
