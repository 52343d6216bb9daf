// Package datagen produces labelled synthetic training data for NLP
// models. A run walks each requested tag through three stages:
//
//	values    ── faker library, LLM fallback, plus user samples
//	templates ── LLM sentence templates, builtin fallback
//	fill      ── substitute values into templates, emit CSV rows
//
// LLM calls fan out with a concurrency bound and sit behind a circuit
// breaker; a failing call is appended to a traceback file and its tag
// skipped, the batch itself never aborts. User-provided samples are
// held per name in a bbolt-backed reservoir with bounded size and
// recency-weighted replacement, so early samples cannot crowd out what
// users contributed recently.
//
// Output is train.csv and test.csv with a per-tag split, which keeps a
// value generated for one tag from appearing on both sides of the
// boundary.
package datagen
