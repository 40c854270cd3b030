package prompt

// Built-in template names.
const (
	PlanTemplate   = "plan.md"
	VerifyTemplate = "verify.md"
)

var builtinTemplates = map[string]string{
	PlanTemplate:   planTemplate,
	VerifyTemplate: verifyTemplate,
}

const planTemplate = `# CI remediation plan

You are a CI remediation planner. Your goal is to bring every workflow run for
this pull request to completed/success with the smallest, safest set of changes.
Diagnose the root cause of each failing or stuck run, then plan remediation in
small ordered batches. Prefer reruns for flaky or infrastructure failures,
approvals for runs waiting on a maintainer, and patches only for real defects.

## Task
{{task}}

## Repository
{{#if repo}}Repository: {{repo}}
{{/if}}Branch: {{branch}}
{{#if pr_number}}Pull request: #{{pr_number}}
{{/if}}
## Runs that are not green
` + "```json" + `
{{runs}}
` + "```" + `
{{#if pr_status}}
## Pull request status
` + "```json" + `
{{pr_status}}
` + "```" + `
{{/if}}{{#if awaiting_approval}}
## Runs awaiting approval
Run ids {{awaiting_approval}} are waiting for a maintainer. Approving them is
usually the right first step.
{{/if}}{{#if commits}}
## Recent commits
{{commits}}
{{/if}}
## Available actions
- ` + "`rerun`" + ` with ` + "`run_id`" + `: rerun the failed jobs of one run
- ` + "`approve`" + ` with ` + "`run_id`" + `: approve a run waiting for approval
- ` + "`rerun_all_failed`" + `: rerun every failed or cancelled run
- ` + "`apply_patch`" + ` with ` + "`patch`" + `: apply the named entry of ` + "`patches`" + `
- ` + "`enable_workflow`" + ` / ` + "`disable_workflow`" + ` with ` + "`path`" + `: a workflow file name under .github/workflows

Each patch is a unified diff with a/ and b/ prefixes that modifies exactly one
existing tracked file named in its ` + "`filename`" + ` field.

## Output contract
Reply with exactly one JSON object and nothing else. No markdown, no prose.
It must match this JSON Schema:
` + "```json" + `
{{schema}}
` + "```" + `
`

const verifyTemplate = `# Verify CI remediation batch

You are reviewing a remediation step before it runs. Decide whether executing
the batch below is safe and likely to move the pipeline toward green.

## Task
{{task}}

## Batch
` + "```json" + `
{{batch}}
` + "```" + `
{{#if patches}}
## Patches used by this batch
` + "```json" + `
{{patches}}
` + "```" + `
{{/if}}
## Output contract
Reply with exactly one JSON object and nothing else, matching this JSON Schema:
` + "```json" + `
{{schema}}
` + "```" + `
Set "valid" to false if any patch is unsafe, unrelated to the failures, or
likely to break the build.
`
