package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandValidator pattern-matches requested operations against a
// CommandFilter. Stateless except for the compiled-pattern cache.
type CommandValidator struct {
	patterns *regexCache
}

// NewCommandValidator creates a validator with an empty pattern cache.
func NewCommandValidator() *CommandValidator {
	return &CommandValidator{patterns: newRegexCache()}
}

// ValidateCommand checks a request against the filter and returns Allow,
// Block (with a reason) or RequiresApproval.
func (v *CommandValidator) ValidateCommand(req *Request, filter *CommandFilter) ValidationResult {
	if filter.WhitelistMode {
		return v.validateWhitelist(req, filter)
	}
	return v.validateBlacklist(req, filter)
}

func (v *CommandValidator) validateWhitelist(req *Request, filter *CommandFilter) ValidationResult {
	command := req.commandParam()
	if matchAnyPattern(req.Operation, filter.AllowedCommands, v.patterns) ||
		matchAnyPattern(command, filter.AllowedCommands, v.patterns) {
		return v.checkParameters(req, filter)
	}
	return ValidationResult{
		Outcome: OutcomeBlock,
		Reason:  fmt.Sprintf("Command %q not in allowed list", command),
	}
}

func (v *CommandValidator) validateBlacklist(req *Request, filter *CommandFilter) ValidationResult {
	command := req.commandParam()
	if matchAnyPattern(req.Operation, filter.ForbiddenCommands, v.patterns) ||
		matchAnyPattern(command, filter.ForbiddenCommands, v.patterns) {
		return ValidationResult{
			Outcome: OutcomeBlock,
			Reason:  fmt.Sprintf("Command %q is explicitly forbidden", command),
		}
	}

	if v.matchesDangerousPattern(req, filter) {
		return ValidationResult{Outcome: OutcomeRequiresApproval}
	}

	return v.checkParameters(req, filter)
}

// checkParameters applies the filter's per-command parameter restrictions.
// A single violated restriction blocks the request, naming the parameter.
func (v *CommandValidator) checkParameters(req *Request, filter *CommandFilter) ValidationResult {
	restriction, ok := filter.ParameterRestrictions[req.Operation]
	if !ok {
		return ValidationResult{Outcome: OutcomeAllow}
	}

	for name, value := range req.Parameters {
		if err := v.validateParameter(value, &restriction); err != nil {
			return ValidationResult{
				Outcome: OutcomeBlock,
				Reason:  fmt.Sprintf("Parameter %q: %v", name, err),
			}
		}
	}
	return ValidationResult{Outcome: OutcomeAllow}
}

func (v *CommandValidator) validateParameter(value any, restriction *ParameterRestriction) error {
	str := stringifyParam(value)

	if len(restriction.AllowedValues) > 0 && !containsString(restriction.AllowedValues, str) {
		return fmt.Errorf("value %q not in allowed list", str)
	}
	if containsString(restriction.ForbiddenValues, str) {
		return fmt.Errorf("value %q is forbidden", str)
	}
	if restriction.MaxLength > 0 && len(str) > restriction.MaxLength {
		return fmt.Errorf("value length %d exceeds maximum %d", len(str), restriction.MaxLength)
	}
	if restriction.PatternValidation != "" && !v.patterns.matches(str, restriction.PatternValidation) {
		return fmt.Errorf("value does not match required pattern")
	}
	return nil
}

// matchesDangerousPattern checks the operation, the "command" parameter and
// the serialized request against every dangerous pattern (substring or
// regex). A match forces human review rather than an outright block.
func (v *CommandValidator) matchesDangerousPattern(req *Request, filter *CommandFilter) bool {
	if len(filter.DangerousPatterns) == 0 {
		return false
	}

	serialized, _ := json.Marshal(req)
	for _, dp := range filter.DangerousPatterns {
		if strings.Contains(req.Operation, dp.Pattern) {
			return true
		}
		if cmd, ok := req.Parameters["command"].(string); ok && strings.Contains(cmd, dp.Pattern) {
			return true
		}
		if v.patterns.matches(string(serialized), dp.Pattern) {
			return true
		}
	}
	return false
}

// ClearPatternCache drops all compiled regexes.
func (v *CommandValidator) ClearPatternCache() {
	v.patterns.clear()
}

func stringifyParam(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// dangerousKeywords reject a command outright in syntax validation.
var dangerousKeywords = []string{
	"rm -rf",
	"sudo",
	"chmod 777",
	"eval",
	"exec",
	"> /dev/",
	"dd if=",
	"mkfs",
	"fdisk",
	":(){:|:&};:",
}

// ValidateCommandSyntax is a static heuristic usable without a configured
// filter, e.g. for logging and triage. Empty commands and commands
// containing a known-dangerous keyword fail.
func ValidateCommandSyntax(command string) bool {
	if command == "" {
		return false
	}
	for _, kw := range dangerousKeywords {
		if strings.Contains(command, kw) {
			return false
		}
	}
	return true
}

var (
	highRiskKeywords   = []string{"rm", "del", "format", "sudo", "chmod", "chown"}
	mediumRiskKeywords = []string{"cp", "mv", "mkdir", "rmdir", "curl", "wget"}
)

// EstimateCommandRisk classifies a command by substring checks against
// known-dangerous keyword lists.
func EstimateCommandRisk(command string) RiskLevel {
	if command == "" {
		return RiskLow
	}
	for _, kw := range highRiskKeywords {
		if strings.Contains(command, kw) {
			return RiskHigh
		}
	}
	for _, kw := range mediumRiskKeywords {
		if strings.Contains(command, kw) {
			return RiskMedium
		}
	}
	return RiskLow
}
