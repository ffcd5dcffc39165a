package verifier

import (
	"fmt"
	"strings"
)

const minTextLen = 12

// narrativeKeys are the plan fields that count as narrative content.
var narrativeKeys = []string{
	"executive_summary", "mission", "vision", "target_market", "value_proposition",
}

// validate runs the domain validator for the step's capability. The
// second return is false when no validator applies to the capability.
func validate(step StepOutcome) (Check, bool) {
	check := Check{CapabilityID: step.CapabilityID, Domain: step.Domain}

	switch step.CapabilityID {
	case "chat.general":
		return validateChat(step, check), true
	case "company.plan", "company.create":
		return validateCompany(step, check), true
	case "media.image.generate", "media.video.generate":
		return validateMedia(step, check), true
	case "research.search", "proxy.search":
		return validateSearch(step, check), true
	}
	return Check{}, false
}

func validateChat(step StepOutcome, check Check) Check {
	content := stringField(step.Data, "content")
	if len(strings.TrimSpace(content)) >= minTextLen {
		check.OK = true
		check.Message = "Assistant reply has substantive content."
		return check
	}
	check.Message = "Assistant reply is missing or too short."
	check.Remediation = "Retry the task or rephrase it so the assistant can produce a fuller answer."
	return check
}

func validateCompany(step StepOutcome, check Check) Check {
	plan := mapField(step.Data, "plan")
	if plan == nil {
		if company := mapField(step.Data, "company"); company != nil {
			plan = mapField(company, "plan")
		}
	}
	if plan == nil {
		check.Message = "Response carries no plan object."
		check.Remediation = "Re-run the task; the company service returned no plan section."
		return check
	}

	for _, key := range narrativeKeys {
		if len(strings.TrimSpace(stringField(plan, key))) >= minTextLen {
			check.OK = true
			check.Message = fmt.Sprintf("Plan has narrative content (%s).", key)
			return check
		}
	}
	if listField(plan, "departments") != nil ||
		stringField(plan, "revenue_model") != "" ||
		listField(plan, "milestones") != nil ||
		mapField(plan, "estimated_costs") != nil {
		check.OK = true
		check.Message = "Plan has structural content."
		return check
	}

	check.Message = "Plan object has neither narrative nor structural content."
	check.Remediation = "Retry with a more detailed task description so the plan sections get filled in."
	return check
}

func validateMedia(step StepOutcome, check Check) Check {
	url := stringField(step.Data, "url", "videoUrl", "imageUrl")
	if strings.HasPrefix(url, "data:image/") ||
		strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") {
		check.OK = true
		check.Message = "Generated asset has a usable URL."
		return check
	}
	check.Message = "Response has no usable asset URL."
	check.Remediation = "Retry generation; the media service returned no fetchable URL or data URL."
	return check
}

func validateSearch(step StepOutcome, check Check) Check {
	if listField(step.Data, "results", "items", "links") != nil {
		check.OK = true
		check.Message = "Search returned result entries."
		return check
	}
	if count, ok := numberField(step.Data, "count"); ok && count > 0 {
		check.OK = true
		check.Message = "Search reported a positive result count."
		return check
	}
	for _, key := range []string{"summary", "content", "snippet", "query"} {
		if len(strings.TrimSpace(stringField(step.Data, key))) >= minTextLen {
			check.OK = true
			check.Message = fmt.Sprintf("Search produced usable text (%s).", key)
			return check
		}
	}
	check.Message = "Search returned no results and no usable text."
	check.Remediation = "Broaden the query or retry once the search upstream recovers."
	return check
}
