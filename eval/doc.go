// Package eval implements the template and condition evaluator used by
// conversations: token substitution in outgoing text and attachments,
// scripted entity/operation evaluation (typed values, arithmetic, date
// math, stored attributes), boolean comparators, compound filter lists
// with AND/OR semantics, and the direct-to-flow condition groups behind
// dialogue redirects and subscription links.
package eval
