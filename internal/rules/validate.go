package rules

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	reasonInvalidJSON       = "Invalid json received"
	reasonWrongColumnCount  = "Wrong column count"
	reasonMissingIdentifier = "Missing 'identifier' value"
	reasonMissingState      = "Missing 'state' value"
	reasonMissingType       = "Missing 'type' value"
	reasonInvalidType       = "Invalid 'type' value, must be one of: binary, certificate, teamid, signingid, cdhash"
	reasonInvalidState      = "Invalid 'state' value, must be one of: whitelist, blacklist, allow, block"
)

// insertColumns is the number of values an insert carries: identifier,
// state, type and custom message, in table column order.
const insertColumns = 4

// insertSchema accepts an array whose items are strings or null. Arity is
// checked separately so the two failures keep distinct reasons.
var insertSchema = mustCompileSchema(map[string]any{
	"type":  "array",
	"items": map[string]any{"type": []any{"string", "null"}},
})

// identifierTags holds the validator tag each rule type's identifier must
// satisfy.
var identifierTags = map[RuleType]string{
	RuleTypeBinary:      "required,sha256hex",
	RuleTypeCertificate: "required,sha256hex",
	RuleTypeCDHash:      "required,lowerhex",
	RuleTypeTeamID:      "required",
	RuleTypeSigningID:   "required,signingid",
}

var identifierValidator = newIdentifierValidator()

// InsertRequest is a validated insert payload.
type InsertRequest struct {
	Identifier string
	Type       RuleType
	State      RuleState
	Message    string
}

// Record returns the rule the request asks santactl to create.
func (r InsertRequest) Record() Record {
	return Record{
		Identifier:    r.Identifier,
		Type:          r.Type,
		State:         r.State,
		CustomMessage: r.Message,
	}
}

// ParseInsert validates a JSON value array of the form
// [identifier, state, type, custom_message]. Every rejection is a
// *ValidationError carrying a fixed reason string.
func ParseInsert(payload string) (InsertRequest, error) {
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return InsertRequest{}, invalid(reasonInvalidJSON)
	}
	values, ok := doc.([]any)
	if !ok {
		return InsertRequest{}, invalid(reasonInvalidJSON)
	}
	if len(values) != insertColumns {
		return InsertRequest{}, invalid(reasonWrongColumnCount)
	}
	if err := insertSchema.Validate(doc); err != nil {
		return InsertRequest{}, invalid(reasonInvalidJSON)
	}

	identifier, hasIdentifier := values[0].(string)
	state, hasState := values[1].(string)
	ruleType, hasType := values[2].(string)
	message, _ := values[3].(string)

	switch {
	case !hasIdentifier:
		return InsertRequest{}, invalid(reasonMissingIdentifier)
	case !hasState:
		return InsertRequest{}, invalid(reasonMissingState)
	case !hasType:
		return InsertRequest{}, invalid(reasonMissingType)
	}

	req := InsertRequest{Identifier: identifier, Message: message}

	if req.Type, ok = ParseRuleType(ruleType); !ok {
		return InsertRequest{}, invalid(reasonInvalidType)
	}
	if req.State, ok = ParseRuleState(state); !ok {
		return InsertRequest{}, invalid(reasonInvalidState)
	}
	if err := ValidateIdentifier(req.Identifier, req.Type); err != nil {
		return InsertRequest{}, err
	}
	return req, nil
}

// ValidateIdentifier checks identifier against the format santactl expects
// for t.
func ValidateIdentifier(identifier string, t RuleType) error {
	tag, ok := identifierTags[t]
	if !ok {
		return invalid(reasonInvalidType)
	}
	if err := identifierValidator.Var(identifier, tag); err != nil {
		return invalid("Invalid 'identifier' value for " + t.String() + " rule")
	}
	return nil
}

func newIdentifierValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sha256hex", validateSHA256Hex)
	_ = v.RegisterValidation("lowerhex", validateLowerHex)
	_ = v.RegisterValidation("signingid", validateSigningID)
	return v
}

// validateSHA256Hex accepts 64 lowercase hex characters.
func validateSHA256Hex(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return len(s) == 64 && isLowerHex(s)
}

// validateLowerHex accepts a non-empty run of lowercase hex characters.
func validateLowerHex(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s != "" && isLowerHex(s)
}

// validateSigningID accepts TeamID:BundleID (or platform:BundleID).
func validateSigningID(fl validator.FieldLevel) bool {
	prefix, suffix, ok := strings.Cut(fl.Field().String(), ":")
	return ok && prefix != "" && suffix != ""
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func mustCompileSchema(schema map[string]any) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("insert.json", schema); err != nil {
		panic(err)
	}
	sch, err := c.Compile("insert.json")
	if err != nil {
		panic(err)
	}
	return sch
}
