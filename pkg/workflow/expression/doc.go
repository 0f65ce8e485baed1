// Package expression provides boolean expression evaluation for condition
// actions.
//
// It uses the expr-lang/expr library to evaluate expressions against the
// run's execution state, where each action's output is addressable by its
// reference handle:
//
//   - Field access: triage.severity, alert.body.status
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Helpers: has(collection, item), includes(collection, item),
//     length(collection)
//
// Compiled programs are cached, so repeated runs of the same workflow pay
// the compilation cost once per process.
package expression
