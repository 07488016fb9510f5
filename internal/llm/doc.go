// Package llm is the boundary to the external text-generation provider.
// It wraps the OpenAI chat completions API behind a single Generate call:
// whole responses only, no streaming. Provider failures are classified into
// the package's error kinds so the engine can report them distinctly.
package llm
