// Package reexecution turns re-execution requests into registered, dispatched
// runs.
//
// Request states:
//   - received -> validating -> planned -> dispatched
//   - received | validating | planned -> rejected
//
// Validation reads the parent run and its pipeline graph, resolves the
// selection and builds the plan; nothing is registered until a plan exists.
// A run that fails to dispatch is sealed as failed so it never lingers in
// created.
//
// Auditing:
//   - Every dispatched or rejected request emits exactly one audit event.
//   - Previews emit nothing.
package reexecution
