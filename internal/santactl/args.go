package santactl

import "strings"

// MandatoryRuleError is the prefix santactl prints when asked to remove a
// rule that santad's configuration requires.
const MandatoryRuleError = "Failed to modify rules: A required rule was requested to be deleted"

// typeFlags maps rule type names to the flag santactl expects. Binary rules
// are santactl's default and take no flag.
var typeFlags = map[string]string{
	"binary":      "",
	"certificate": "--certificate",
	"teamid":      "--teamid",
	"signingid":   "--signingid",
	"cdhash":      "--cdhash",
}

// TypeFlag returns the santactl flag for a rule type name. ok is false for
// names santactl does not know.
func TypeFlag(ruleType string) (flag string, ok bool) {
	flag, ok = typeFlags[ruleType]
	return flag, ok
}

// AddArgs builds the arguments that add an allow or block rule.
func AddArgs(allow bool, identifier, ruleType, message string) []string {
	args := []string{"rule"}
	if allow {
		args = append(args, "--allow")
	} else {
		args = append(args, "--block")
	}
	args = append(args, "--identifier", identifier)
	if flag, _ := TypeFlag(ruleType); flag != "" {
		args = append(args, flag)
	}
	if message != "" {
		args = append(args, "--message", message)
	}
	return args
}

// RemoveArgs builds the arguments that remove a rule.
func RemoveArgs(identifier, ruleType string) []string {
	args := []string{"rule", "--remove", "--identifier", identifier}
	if flag, _ := TypeFlag(ruleType); flag != "" {
		args = append(args, flag)
	}
	return args
}

// IsMandatoryRuleRefusal reports whether santactl output is the refusal to
// delete a required rule.
func IsMandatoryRuleRefusal(output string) bool {
	return strings.HasPrefix(strings.TrimSpace(output), MandatoryRuleError)
}
