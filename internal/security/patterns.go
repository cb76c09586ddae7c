// Package security classifies inbound message provenance, scans content for
// manipulation patterns, and wraps untrusted content before it reaches the
// consuming agent.
package security

import "regexp"

// Category is an injection attack class.
type Category string

const (
	CategoryInstructionOverride    Category = "instruction_override"
	CategorySystemPromptExtraction Category = "system_prompt_extraction"
	CategoryCommandInjection       Category = "command_injection"
	CategoryDataExfiltration       Category = "data_exfiltration"
	CategoryRoleManipulation       Category = "role_manipulation"
	CategorySocialEngineering      Category = "social_engineering"
)

// Pattern is one entry of the detection catalogue.
type Pattern struct {
	Category Category
	Label    string
	re       *regexp.Regexp
}

// Finding is a single catalogue hit against a piece of text.
type Finding struct {
	Category Category `json:"category"`
	Label    string   `json:"label"`
	Match    string   `json:"match"`
}

// catalogue is compiled once at init. Matching is case-insensitive
// substring/regex over lower-cased input; several entries may fire on one
// message.
var catalogue = []Pattern{
	{CategoryInstructionOverride, "ignore_instructions",
		regexp.MustCompile(`ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|directives|rules)`)},
	{CategoryInstructionOverride, "disregard_instructions",
		regexp.MustCompile(`disregard\s+(all\s+|your\s+)?(previous|prior|earlier|system)`)},
	{CategoryInstructionOverride, "forget_instructions",
		regexp.MustCompile(`forget\s+(everything|all|your)\s+(previous|prior|earlier|instructions)`)},
	{CategoryInstructionOverride, "new_instructions",
		regexp.MustCompile(`(new|updated|real)\s+instructions\s*:`)},
	{CategoryInstructionOverride, "override_system",
		regexp.MustCompile(`override\s+(previous|prior|system|safety)`)},

	{CategorySystemPromptExtraction, "reveal_prompt",
		regexp.MustCompile(`(show|reveal|print|repeat|display|output)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions)`)},
	{CategorySystemPromptExtraction, "ask_initial_instructions",
		regexp.MustCompile(`what\s+(is|are)\s+your\s+(initial|system|original)\s+(instructions|prompt|prompts)`)},
	{CategorySystemPromptExtraction, "repeat_above",
		regexp.MustCompile(`repeat\s+the\s+(words|text|content)\s+above`)},

	{CategoryCommandInjection, "run_command",
		regexp.MustCompile(`(execute|run)\s+(the\s+following|this)\s+(command|script|code)`)},
	{CategoryCommandInjection, "shell_substitution",
		regexp.MustCompile("\\$\\([^)]*\\)|`[^`]+`")},
	{CategoryCommandInjection, "destructive_shell",
		regexp.MustCompile(`rm\s+-rf|sudo\s+|chmod\s+777`)},
	{CategoryCommandInjection, "pipe_to_shell",
		regexp.MustCompile(`(curl|wget)\s+[^|]*\|\s*(ba|z)?sh`)},

	{CategoryDataExfiltration, "send_secrets",
		regexp.MustCompile(`(send|post|upload|forward|exfiltrate)\s+[^.]*(credentials|secrets|api[\s_-]?keys?|passwords?|tokens?)`)},
	{CategoryDataExfiltration, "reveal_secrets",
		regexp.MustCompile(`(reveal|share|leak|disclose)\s+(your|the)\s+(api[\s_-]?key|token|password|secret)`)},
	{CategoryDataExfiltration, "env_vars",
		regexp.MustCompile(`(print|dump|list|read)\s+[^.]*environment\s+variables`)},

	{CategoryRoleManipulation, "you_are_now",
		regexp.MustCompile(`you\s+are\s+(now|no\s+longer)\s+`)},
	{CategoryRoleManipulation, "act_as",
		regexp.MustCompile(`act\s+as\s+(if\s+you|a|an)\s+`)},
	{CategoryRoleManipulation, "pretend",
		regexp.MustCompile(`pretend\s+(to\s+be|you\s+are)`)},
	{CategoryRoleManipulation, "jailbreak_mode",
		regexp.MustCompile(`(enable|enter|activate)\s+(developer|dan|jailbreak|god)\s+mode`)},
	{CategoryRoleManipulation, "roleplay",
		regexp.MustCompile(`roleplay\s+as\s+`)},

	{CategorySocialEngineering, "urgency",
		regexp.MustCompile(`urgent(ly)?\s*[:!]`)},
	{CategorySocialEngineering, "false_authority",
		regexp.MustCompile(`(this\s+is|i\s+am)\s+(your|the)\s+(administrator|admin|developer|creator|operator)`)},
	{CategorySocialEngineering, "secrecy",
		regexp.MustCompile(`do\s+not\s+(tell|inform|alert|notify)\s+(anyone|the\s+user|your\s+operator)`)},
	{CategorySocialEngineering, "fake_audit",
		regexp.MustCompile(`(security|compliance)\s+(audit|check|review)\s+requires`)},
}

// Catalogue exposes the compiled pattern table, mainly for tests and
// documentation tooling.
func Catalogue() []Pattern {
	out := make([]Pattern, len(catalogue))
	copy(out, catalogue)
	return out
}
