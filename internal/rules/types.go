// Package rules keeps an identity-stable view of santad's rule database and
// coordinates rule changes made through santactl.
package rules

// RuleType is the kind of identifier a rule matches on.
type RuleType int

const (
	RuleTypeUnknown RuleType = iota
	RuleTypeBinary
	RuleTypeCertificate
	RuleTypeSigningID
	RuleTypeTeamID
	RuleTypeCDHash
)

// Integer codes santad stores in the rules.type column.
const (
	codeBinary      = 1000
	codeCertificate = 2000
	codeSigningID   = 3000
	codeTeamID      = 4000
	codeCDHash      = 500
)

// String returns the name used in primary keys, table rows and santactl flags.
func (t RuleType) String() string {
	switch t {
	case RuleTypeBinary:
		return "binary"
	case RuleTypeCertificate:
		return "certificate"
	case RuleTypeSigningID:
		return "signingid"
	case RuleTypeTeamID:
		return "teamid"
	case RuleTypeCDHash:
		return "cdhash"
	default:
		return "unknown"
	}
}

// Code returns the database code for t, or 0 for RuleTypeUnknown.
func (t RuleType) Code() int64 {
	switch t {
	case RuleTypeBinary:
		return codeBinary
	case RuleTypeCertificate:
		return codeCertificate
	case RuleTypeSigningID:
		return codeSigningID
	case RuleTypeTeamID:
		return codeTeamID
	case RuleTypeCDHash:
		return codeCDHash
	default:
		return 0
	}
}

// RuleTypeFromCode maps a rules.type value. Unrecognized codes map to
// RuleTypeUnknown.
func RuleTypeFromCode(code int64) RuleType {
	switch code {
	case codeBinary:
		return RuleTypeBinary
	case codeCertificate:
		return RuleTypeCertificate
	case codeSigningID:
		return RuleTypeSigningID
	case codeTeamID:
		return RuleTypeTeamID
	case codeCDHash:
		return RuleTypeCDHash
	default:
		return RuleTypeUnknown
	}
}

// ParseRuleType accepts the lowercase type names.
func ParseRuleType(s string) (RuleType, bool) {
	switch s {
	case "binary":
		return RuleTypeBinary, true
	case "certificate":
		return RuleTypeCertificate, true
	case "signingid":
		return RuleTypeSigningID, true
	case "teamid":
		return RuleTypeTeamID, true
	case "cdhash":
		return RuleTypeCDHash, true
	default:
		return RuleTypeUnknown, false
	}
}

// RuleState is the verdict a rule applies.
type RuleState int

const (
	StateUnknown RuleState = iota
	StateAllow
	StateBlock
)

// String returns the current (non-legacy) state name.
func (s RuleState) String() string {
	switch s {
	case StateAllow:
		return "allow"
	case StateBlock:
		return "block"
	default:
		return "unknown"
	}
}

// StateFromCode maps a rules.state value: 1 allows, anything else blocks.
func StateFromCode(code int64) RuleState {
	if code == 1 {
		return StateAllow
	}
	return StateBlock
}

// ParseRuleState accepts allow/block and the older whitelist/blacklist names.
// Matching is case-sensitive.
func ParseRuleState(s string) (RuleState, bool) {
	switch s {
	case "allow", "whitelist":
		return StateAllow, true
	case "block", "blacklist":
		return StateBlock, true
	default:
		return StateUnknown, false
	}
}

// Record is one rule as stored by santad.
type Record struct {
	Identifier    string
	Type          RuleType
	State         RuleState
	CustomMessage string
}

// PrimaryKey is the composite natural key used to keep row IDs stable across
// refreshes. santad's table has no surrogate key, so renaming an identifier
// or changing its type produces a different rule as far as identity goes.
func (r Record) PrimaryKey() string {
	return PrimaryKey(r.Identifier, r.Type)
}

// PrimaryKey builds the key for identifier and t.
func PrimaryKey(identifier string, t RuleType) string {
	return identifier + "_" + t.String()
}
