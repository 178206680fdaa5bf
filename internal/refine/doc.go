// Package refine implements the transform, stage, validate, publish loop.
//
// A Workflow asks a Transformer for a candidate, writes it to a staging
// location next to the final key, hands the staged artifact to a Validator
// and either publishes it with an atomic rename or discards it and tries
// again with the diagnostic fed back into the next transform. Observers
// reading the key only ever see the state before the run or a candidate
// that passed validation.
//
// The loop itself knows nothing about LLMs or CodeQL. Both capabilities are
// injected so the same workflow drives query augmentation, generation from
// vulnerability descriptions and the tests in this package.
package refine
