// Package extraction turns one raw email into zero or one opportunity
// candidate.
//
// Two extractors are provided:
//   - LLMExtractor sends a versioned schema prompt to a language model and
//     validates the answer strictly before building a Candidate.
//   - HeuristicExtractor uses keyword tables and date patterns. It runs
//     without network access and is used when no model is configured.
//
// # Result contract
//
// Extract returns exactly one of:
//   - (candidate, nil) when the email describes an opportunity
//   - (nil, nil) when it does not
//   - (nil, *opportunity.ParseError) when model output failed validation;
//     callers treat this as "no candidate" and log it
//   - (nil, *opportunity.ExtractionError) when the provider failed; callers
//     retry the email on a later run
//
// # Prompt layout
//
// The subject is always sent in full. The body is cut at MaxBodyChars runes
// and a truncation marker is appended, so the tail of long newsletters is
// what gets dropped.
//
// # Primary links
//
// SelectPrimaryURL scores every link in the body by anchor and context
// keywords, domain class and form hints, and returns the best positive one.
package extraction
